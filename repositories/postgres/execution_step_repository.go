package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories"
	"go.uber.org/zap"
)

// ExecutionStepRepository implements repositories.ExecutionStepRepository
type ExecutionStepRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewExecutionStepRepository creates a new execution step repository
func NewExecutionStepRepository(db *DB, logger *zap.Logger) repositories.ExecutionStepRepository {
	return &ExecutionStepRepository{db: db, logger: logger}
}

// Append adds steps to a proposal's log, one row per step
func (r *ExecutionStepRepository) Append(ctx context.Context, proposalID uuid.UUID, steps ...models.ExecutionStep) error {
	query := `
		INSERT INTO execution_steps (proposal_id, name, success, detail, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	executor := GetExecutor(ctx, r.db)
	for _, step := range steps {
		if _, err := executor.ExecContext(ctx, query,
			proposalID,
			step.Name,
			step.Success,
			step.Detail,
			step.StartedAt,
			step.FinishedAt,
		); err != nil {
			return fmt.Errorf("failed to append %s step: %w", step.Name, err)
		}
	}

	r.logger.Debug("execution steps appended",
		zap.String("proposal_id", proposalID.String()),
		zap.Int("count", len(steps)))
	return nil
}

// ListByProposal returns a proposal's log in execution order
func (r *ExecutionStepRepository) ListByProposal(ctx context.Context, proposalID uuid.UUID) ([]models.ExecutionStep, error) {
	query := `
		SELECT name, success, detail, started_at, finished_at
		FROM execution_steps
		WHERE proposal_id = $1
		ORDER BY id ASC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution steps: %w", err)
	}
	defer rows.Close()

	steps := []models.ExecutionStep{}
	for rows.Next() {
		var s models.ExecutionStep
		if err := rows.Scan(&s.Name, &s.Success, &s.Detail, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution step rows: %w", err)
	}
	return steps, nil
}
