package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
)

// ErrNotFound is wrapped by repositories when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Commits if fn succeeds, rolls back on error. Repositories called with the
	// ctx passed to fn run inside the transaction.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditRunRepository stores finished audit runs
type AuditRunRepository interface {
	// Save inserts or replaces an audit run
	Save(ctx context.Context, run *models.AuditRun) error

	// GetByID retrieves an audit run by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRun, error)

	// ListRecent returns up to limit runs, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.AuditRun, error)
}

// ProposalRepository stores upgrade proposals and their latest state
type ProposalRepository interface {
	// Upsert inserts the proposal or updates its mutable fields
	Upsert(ctx context.Context, proposal *models.UpgradeProposal) error

	// GetByID retrieves a proposal by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.UpgradeProposal, error)

	// ListByStatus returns proposals, optionally filtered by status, oldest first
	ListByStatus(ctx context.Context, status *models.ProposalStatus, limit int) ([]*models.UpgradeProposal, error)
}

// ExecutionStepRepository stores the append-only execution log
type ExecutionStepRepository interface {
	// Append adds steps to a proposal's log
	Append(ctx context.Context, proposalID uuid.UUID, steps ...models.ExecutionStep) error

	// ListByProposal returns a proposal's log in execution order
	ListByProposal(ctx context.Context, proposalID uuid.UUID) ([]models.ExecutionStep, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	AuditRuns      AuditRunRepository
	Proposals      ProposalRepository
	ExecutionSteps ExecutionStepRepository
}
