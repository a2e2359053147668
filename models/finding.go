package models

import (
	"github.com/google/uuid"
)

// Severity represents how serious a finding is
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IsValid checks if the severity is a known value
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Priority maps a severity onto the proposal priority scale
func (s Severity) Priority() Priority {
	switch s {
	case SeverityHigh:
		return PriorityHigh
	case SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Finding is a single issue reported by one category check.
// Findings are values and are never mutated after a validator returns them.
type Finding struct {
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Impact      string   `json:"impact"`
}

// Ref returns a weak reference to this finding
func (f Finding) Ref(runID uuid.UUID) FindingRef {
	return FindingRef{
		AuditRunID: runID,
		Category:   f.Category,
		Title:      f.Title,
		Severity:   f.Severity,
	}
}

// FindingRef points back at the finding a proposal was derived from.
// It is used for traceability and display only.
type FindingRef struct {
	AuditRunID uuid.UUID `json:"audit_run_id"`
	Category   string    `json:"category"`
	Title      string    `json:"title"`
	Severity   Severity  `json:"severity"`
}

// Recommendation is a non-blocking suggestion emitted alongside findings
type Recommendation struct {
	Category    string   `json:"category"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}
