package mapper

import (
	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
)

// Mapper turns findings into pending upgrade proposals using a static
// template table keyed by (category, finding title). It holds no mutable
// state after construction and is safe for concurrent use.
type Mapper struct {
	templates map[TemplateKey]Template
}

// NewMapper creates a Mapper. Later templates override earlier ones with the same key.
func NewMapper(templates ...Template) *Mapper {
	m := &Mapper{templates: make(map[TemplateKey]Template, len(templates))}
	for _, t := range templates {
		m.templates[t.Key()] = t
	}
	return m
}

// Lookup returns the template for a finding, if any
func (m *Mapper) Lookup(category, title string) (Template, bool) {
	t, ok := m.templates[TemplateKey{Category: category, Title: title}]
	return t, ok
}

// Len returns the number of templates
func (m *Mapper) Len() int {
	return len(m.templates)
}

// MapFindings returns one pending proposal per finding that has a template.
// Findings without a template are dropped.
func (m *Mapper) MapFindings(runID uuid.UUID, findings []models.Finding) []*models.UpgradeProposal {
	proposals := make([]*models.UpgradeProposal, 0, len(findings))
	for _, f := range findings {
		t, ok := m.Lookup(f.Category, f.Title)
		if !ok {
			continue
		}

		priority := t.Priority
		if priority == "" {
			priority = f.Severity.Priority()
		}

		p := models.NewUpgradeProposal(f.Ref(runID), t.Title, t.Description, priority)
		p.EstimatedEffort = t.EstimatedEffort
		p.Plan = models.UpgradePlan{
			Changes:           append([]string(nil), t.Plan.Changes...),
			Tests:             append([]string(nil), t.Plan.Tests...),
			StagingTests:      append([]string(nil), t.Plan.StagingTests...),
			RequiredResources: append([]string(nil), t.Plan.RequiredResources...),
		}
		proposals = append(proposals, p)
	}
	return proposals
}
