package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an audit run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Priority is the coarse classification of a risk score or proposal
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid checks if the priority is a known value
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// CategoryResult is the outcome of one category check within an audit run
type CategoryResult struct {
	Category        string           `json:"category"`
	Weight          float64          `json:"weight"`
	Score           float64          `json:"score"`
	Findings        []Finding        `json:"findings"`
	Recommendations []Recommendation `json:"recommendations"`

	// Error is set when the validator failed and the result is synthetic
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether this result was synthesized from a validator failure
func (r CategoryResult) Failed() bool {
	return r.Error != ""
}

// AuditRun represents one execution of all enabled category checks
type AuditRun struct {
	ID               uuid.UUID                 `json:"id" db:"id"`
	StartedAt        time.Time                 `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty" db:"completed_at"`
	Status           RunStatus                 `json:"status" db:"status"`
	CategoryResults  map[string]CategoryResult `json:"category_results" db:"category_results"`
	OverallRiskScore float64                   `json:"overall_risk_score" db:"overall_risk_score"`
	Priority         Priority                  `json:"priority" db:"priority"`
}

// TableName returns the table name for the AuditRun model
func (AuditRun) TableName() string {
	return "audit_runs"
}

// NewAuditRun creates a running audit run
func NewAuditRun() *AuditRun {
	return &AuditRun{
		ID:              uuid.New(),
		StartedAt:       time.Now(),
		Status:          RunStatusRunning,
		CategoryResults: make(map[string]CategoryResult),
	}
}

// Complete marks the run as completed with its aggregate score
func (r *AuditRun) Complete(score float64, priority Priority) {
	now := time.Now()
	r.CompletedAt = &now
	r.OverallRiskScore = score
	r.Priority = priority
	r.Status = RunStatusCompleted
}

// Fail marks the run as failed, keeping whatever results were collected
func (r *AuditRun) Fail(score float64, priority Priority) {
	r.Complete(score, priority)
	r.Status = RunStatusFailed
}

// IsFinished returns true once the run is immutable
func (r *AuditRun) IsFinished() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// Categories returns the category names in stable order
func (r *AuditRun) Categories() []string {
	names := make([]string, 0, len(r.CategoryResults))
	for name := range r.CategoryResults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Findings returns the combined findings of all categories, ordered by category
func (r *AuditRun) Findings() []Finding {
	var findings []Finding
	for _, name := range r.Categories() {
		findings = append(findings, r.CategoryResults[name].Findings...)
	}
	return findings
}

// Recommendations returns the combined recommendations, ordered by category
func (r *AuditRun) Recommendations() []Recommendation {
	var recs []Recommendation
	for _, name := range r.Categories() {
		recs = append(recs, r.CategoryResults[name].Recommendations...)
	}
	return recs
}

// Clone returns a deep copy so callers never share the orchestrator's record
func (r *AuditRun) Clone() *AuditRun {
	if r == nil {
		return nil
	}
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	out.CategoryResults = make(map[string]CategoryResult, len(r.CategoryResults))
	for name, res := range r.CategoryResults {
		res.Findings = append([]Finding(nil), res.Findings...)
		res.Recommendations = append([]Recommendation(nil), res.Recommendations...)
		out.CategoryResults[name] = res
	}
	return &out
}

// AuditRunSummary is the condensed view returned to pipeline callers
type AuditRunSummary struct {
	ID               uuid.UUID          `json:"id"`
	Status           RunStatus          `json:"status"`
	StartedAt        time.Time          `json:"started_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	OverallRiskScore float64            `json:"overall_risk_score"`
	Priority         Priority           `json:"priority"`
	CategoryScores   map[string]float64 `json:"category_scores"`
	FailedCategories []string           `json:"failed_categories,omitempty"`
	FindingCount     int                `json:"finding_count"`
	ProposalIDs      []uuid.UUID        `json:"proposal_ids"`
}

// Summarize builds a summary of the run
func (r *AuditRun) Summarize(proposalIDs []uuid.UUID) *AuditRunSummary {
	s := &AuditRunSummary{
		ID:               r.ID,
		Status:           r.Status,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		OverallRiskScore: r.OverallRiskScore,
		Priority:         r.Priority,
		CategoryScores:   make(map[string]float64, len(r.CategoryResults)),
		ProposalIDs:      proposalIDs,
	}
	if s.ProposalIDs == nil {
		s.ProposalIDs = []uuid.UUID{}
	}
	for _, name := range r.Categories() {
		res := r.CategoryResults[name]
		s.CategoryScores[name] = res.Score
		s.FindingCount += len(res.Findings)
		if res.Failed() {
			s.FailedCategories = append(s.FailedCategories, name)
		}
	}
	return s
}
