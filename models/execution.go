package models

import (
	"time"

	"github.com/google/uuid"
)

// StepName identifies a stage of the upgrade pipeline
type StepName string

const (
	StepValidate         StepName = "validate"
	StepImplement        StepName = "implement"
	StepTest             StepName = "test"
	StepStageDeploy      StepName = "stage_deploy"
	StepProductionDeploy StepName = "production_deploy"
)

// PipelineSteps lists the stages in execution order
var PipelineSteps = []StepName{
	StepValidate,
	StepImplement,
	StepTest,
	StepStageDeploy,
	StepProductionDeploy,
}

// ExecutionStep is one append-only entry of a proposal's execution log
type ExecutionStep struct {
	Name       StepName  `json:"name" db:"name"`
	Success    bool      `json:"success" db:"success"`
	Detail     string    `json:"detail" db:"detail"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
}

// Duration returns how long the step ran
func (s ExecutionStep) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// ExecutionResult is returned by the executor for one proposal.
// It is populated even when the pipeline aborts so the partial log survives.
type ExecutionResult struct {
	ProposalID uuid.UUID       `json:"proposal_id"`
	Steps      []ExecutionStep `json:"steps"`
	Success    bool            `json:"success"`
	FailedStep StepName        `json:"failed_step,omitempty"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Ticket     *TicketRef      `json:"ticket,omitempty"`
}

// LastStep returns the most recent step, if any
func (r *ExecutionResult) LastStep() (ExecutionStep, bool) {
	if len(r.Steps) == 0 {
		return ExecutionStep{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}

// Ran reports whether the named step was executed
func (r *ExecutionResult) Ran(name StepName) bool {
	for _, s := range r.Steps {
		if s.Name == name {
			return true
		}
	}
	return false
}
