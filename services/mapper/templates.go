package mapper

import (
	"fmt"
	"os"

	"github.com/upb/upgrade-pipeline/models"
	"gopkg.in/yaml.v3"
)

// TemplateKey identifies a template by the finding it handles
type TemplateKey struct {
	Category string
	Title    string
}

// Template describes the upgrade generated for one kind of finding
type Template struct {
	Category        string             `yaml:"category"`
	FindingTitle    string             `yaml:"finding"`
	Title           string             `yaml:"title"`
	Description     string             `yaml:"description"`
	Priority        models.Priority    `yaml:"priority,omitempty"`
	EstimatedEffort string             `yaml:"estimated_effort"`
	Plan            models.UpgradePlan `yaml:"plan"`
}

// Key returns the lookup key of the template
func (t Template) Key() TemplateKey {
	return TemplateKey{Category: t.Category, Title: t.FindingTitle}
}

func (t Template) validate() error {
	if t.Category == "" || t.FindingTitle == "" {
		return fmt.Errorf("template %q: category and finding are required", t.Title)
	}
	if t.Title == "" {
		return fmt.Errorf("template for %s/%s: title is required", t.Category, t.FindingTitle)
	}
	if t.Priority != "" && !t.Priority.IsValid() {
		return fmt.Errorf("template %q: invalid priority %q", t.Title, t.Priority)
	}
	return nil
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads a YAML template table from path
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates file: %w", err)
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes a YAML template table.
// Duplicate (category, finding) pairs are rejected.
func ParseTemplates(data []byte) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	seen := make(map[TemplateKey]bool, len(file.Templates))
	for _, t := range file.Templates {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if seen[t.Key()] {
			return nil, fmt.Errorf("duplicate template for %s/%s", t.Category, t.FindingTitle)
		}
		seen[t.Key()] = true
	}
	return file.Templates, nil
}

// DefaultTemplates returns the built-in template table
func DefaultTemplates() []Template {
	return []Template{
		{
			Category:        "security",
			FindingTitle:    "Outdated TLS Configuration",
			Title:           "Upgrade TLS configuration",
			Description:     "Disable legacy protocol versions and weak cipher suites on public endpoints.",
			EstimatedEffort: "2-4 hours",
			Plan: models.UpgradePlan{
				Changes:      []string{"Set minimum TLS version to 1.2", "Remove CBC cipher suites"},
				Tests:        []string{"tls_handshake_test", "cipher_suite_test"},
				StagingTests: []string{"ssl_labs_scan"},
			},
		},
		{
			Category:        "security",
			FindingTitle:    "Vulnerable Dependencies",
			Title:           "Update vulnerable dependencies",
			Description:     "Bump dependencies with published advisories to patched releases.",
			EstimatedEffort: "1-2 days",
			Plan: models.UpgradePlan{
				Changes:      []string{"Update dependency manifest", "Regenerate lock file"},
				Tests:        []string{"unit", "dependency_audit"},
				StagingTests: []string{"smoke"},
			},
		},
		{
			Category:        "security",
			FindingTitle:    "Missing Security Headers",
			Title:           "Add HTTP security headers",
			Description:     "Serve HSTS, CSP and X-Content-Type-Options on all responses.",
			Priority:        models.PriorityMedium,
			EstimatedEffort: "2 hours",
			Plan: models.UpgradePlan{
				Changes:      []string{"Add security header middleware"},
				Tests:        []string{"header_presence_test"},
				StagingTests: []string{"header_scan"},
			},
		},
		{
			Category:        "performance",
			FindingTitle:    "Slow Database Queries",
			Title:           "Optimize slow database queries",
			Description:     "Add missing indexes and rewrite the slowest queries reported by the audit.",
			EstimatedEffort: "1 day",
			Plan: models.UpgradePlan{
				Changes:           []string{"Add composite indexes", "Rewrite N+1 query paths"},
				Tests:             []string{"query_plan_test", "repository_tests"},
				StagingTests:      []string{"load_test"},
				RequiredResources: []string{"database_migration_access"},
			},
		},
		{
			Category:        "performance",
			FindingTitle:    "Large Bundle Size",
			Title:           "Reduce frontend bundle size",
			Description:     "Enable code splitting and remove unused dependencies from the client bundle.",
			Priority:        models.PriorityLow,
			EstimatedEffort: "4-8 hours",
			Plan: models.UpgradePlan{
				Changes:      []string{"Enable route based code splitting", "Drop unused polyfills"},
				Tests:        []string{"bundle_size_budget"},
				StagingTests: []string{"lighthouse_audit"},
			},
		},
		{
			Category:        "code_quality",
			FindingTitle:    "Low Test Coverage",
			Title:           "Increase test coverage",
			Description:     "Add tests for untested critical paths until coverage meets the threshold.",
			Priority:        models.PriorityLow,
			EstimatedEffort: "2-3 days",
			Plan: models.UpgradePlan{
				Changes: []string{"Add unit tests for critical services"},
				Tests:   []string{"coverage_threshold"},
			},
		},
		{
			Category:        "accessibility",
			FindingTitle:    "Missing Alt Text",
			Title:           "Add alternative text to images",
			Description:     "Provide descriptive alt attributes for all content images.",
			EstimatedEffort: "2-4 hours",
			Plan: models.UpgradePlan{
				Changes:      []string{"Add alt attributes to image components"},
				Tests:        []string{"axe_audit"},
				StagingTests: []string{"axe_audit_staging"},
			},
		},
	}
}
