package backends

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Backend is an external capability provider that applies code changes
// (code-generation agent, static-analysis agent, ...). Backends are
// interchangeable; the executor never knows which one serviced a task.
type Backend interface {
	// Name returns the backend identifier used for routing
	Name() string

	// SubmitTask hands a task to the backend and returns a handle to await
	SubmitTask(ctx context.Context, task *ImplementationTask) (TaskHandle, error)

	// AwaitResult blocks until the task finishes or ctx is done
	AwaitResult(ctx context.Context, handle TaskHandle) (*BackendResult, error)
}

// ImplementationTask is one planned change of a proposal
type ImplementationTask struct {
	// ID uniquely identifies the task
	ID uuid.UUID `json:"id"`

	// ProposalID links the task to its proposal
	ProposalID uuid.UUID `json:"proposal_id"`

	// Category of the proposal, used by routing policies
	Category string `json:"category"`

	// Change is the planned change description
	Change string `json:"change"`

	// Resources the change needs
	Resources []string `json:"resources,omitempty"`

	// Metadata for backend specific hints
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TaskHandle identifies a submitted task on a backend
type TaskHandle struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

// BackendResult is the outcome reported by a backend
type BackendResult struct {
	// Success is false when the backend could not apply the change
	Success bool `json:"success"`

	// ChangesApplied lists what the backend actually changed
	ChangesApplied []string `json:"changes_applied"`

	// DurationEstimate is the backend's own estimate of the work
	DurationEstimate time.Duration `json:"duration_estimate"`

	// Message carries backend diagnostics
	Message string `json:"message,omitempty"`
}
