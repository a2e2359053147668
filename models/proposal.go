package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProposalStatus represents the approval/execution state of a proposal
type ProposalStatus string

const (
	ProposalStatusPending      ProposalStatus = "pending"
	ProposalStatusApproved     ProposalStatus = "approved"
	ProposalStatusRejected     ProposalStatus = "rejected"
	ProposalStatusImplementing ProposalStatus = "implementing"
	ProposalStatusCompleted    ProposalStatus = "completed"
	ProposalStatusFailed       ProposalStatus = "failed"
)

// proposalTransitions lists the allowed next states. Transitions only move forward.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalStatusPending:      {ProposalStatusApproved, ProposalStatusRejected},
	ProposalStatusApproved:     {ProposalStatusImplementing, ProposalStatusFailed},
	ProposalStatusImplementing: {ProposalStatusCompleted, ProposalStatusFailed},
}

// ParseProposalStatus parses a status string
func ParseProposalStatus(s string) (ProposalStatus, error) {
	status := ProposalStatus(s)
	switch status {
	case ProposalStatusPending, ProposalStatusApproved, ProposalStatusRejected,
		ProposalStatusImplementing, ProposalStatusCompleted, ProposalStatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown proposal status: %q", s)
}

// IsTerminal returns true for states a proposal never leaves
func (s ProposalStatus) IsTerminal() bool {
	return s == ProposalStatusRejected || s == ProposalStatusCompleted || s == ProposalStatusFailed
}

// CanTransitionTo reports whether moving to next is allowed
func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	for _, allowed := range proposalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not allowed
type TransitionError struct {
	From ProposalStatus
	To   ProposalStatus
}

// Error implements the error interface
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move proposal from %s to %s", e.From, e.To)
}

// UpgradePlan is the executable part of a proposal, copied from its template
type UpgradePlan struct {
	Changes           []string `json:"changes" yaml:"changes"`
	Tests             []string `json:"tests,omitempty" yaml:"tests"`
	StagingTests      []string `json:"staging_tests,omitempty" yaml:"staging_tests"`
	RequiredResources []string `json:"required_resources,omitempty" yaml:"required_resources"`
}

// UpgradeProposal is an approvable unit of work derived from a finding
type UpgradeProposal struct {
	ID               uuid.UUID      `json:"id" db:"id"`
	SourceFindingRef FindingRef     `json:"source_finding_ref" db:"source_finding_ref"`
	Title            string         `json:"title" db:"title"`
	Description      string         `json:"description" db:"description"`
	Category         string         `json:"category" db:"category"`
	Priority         Priority       `json:"priority" db:"priority"`
	EstimatedEffort  string         `json:"estimated_effort" db:"estimated_effort"`
	Status           ProposalStatus `json:"status" db:"status"`
	Plan             UpgradePlan    `json:"plan" db:"plan"`

	Ticket        *TicketRef `json:"ticket,omitempty" db:"-"`
	FailedStep    StepName   `json:"failed_step,omitempty" db:"failed_step"`
	FailureDetail string     `json:"failure_detail,omitempty" db:"failure_detail"`
	DecidedBy     string     `json:"decided_by,omitempty" db:"decided_by"`
	DecisionNote  string     `json:"decision_note,omitempty" db:"decision_note"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the UpgradeProposal model
func (UpgradeProposal) TableName() string {
	return "upgrade_proposals"
}

// NewUpgradeProposal creates a pending proposal with a fresh ID
func NewUpgradeProposal(ref FindingRef, title, description string, priority Priority) *UpgradeProposal {
	now := time.Now()
	return &UpgradeProposal{
		ID:               uuid.New(),
		SourceFindingRef: ref,
		Title:            title,
		Description:      description,
		Category:         ref.Category,
		Priority:         priority,
		Status:           ProposalStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TransitionTo moves the proposal to next if the state machine allows it
func (p *UpgradeProposal) TransitionTo(next ProposalStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return &TransitionError{From: p.Status, To: next}
	}
	p.Status = next
	p.UpdatedAt = time.Now()
	return nil
}

// MarkFailed records the failing step and moves the proposal to failed
func (p *UpgradeProposal) MarkFailed(step StepName, detail string) error {
	if err := p.TransitionTo(ProposalStatusFailed); err != nil {
		return err
	}
	p.FailedStep = step
	p.FailureDetail = detail
	return nil
}

// Clone returns a copy that does not share slices with the original
func (p *UpgradeProposal) Clone() *UpgradeProposal {
	if p == nil {
		return nil
	}
	out := *p
	out.Plan = UpgradePlan{
		Changes:           append([]string(nil), p.Plan.Changes...),
		Tests:             append([]string(nil), p.Plan.Tests...),
		StagingTests:      append([]string(nil), p.Plan.StagingTests...),
		RequiredResources: append([]string(nil), p.Plan.RequiredResources...),
	}
	if p.Ticket != nil {
		t := *p.Ticket
		out.Ticket = &t
	}
	return &out
}
