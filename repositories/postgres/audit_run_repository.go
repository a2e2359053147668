package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories"
	"go.uber.org/zap"
)

// AuditRunRepository implements repositories.AuditRunRepository
type AuditRunRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRunRepository creates a new audit run repository
func NewAuditRunRepository(db *DB, logger *zap.Logger) repositories.AuditRunRepository {
	return &AuditRunRepository{db: db, logger: logger}
}

const auditRunColumns = `id, started_at, completed_at, status, category_results, overall_risk_score, priority`

// Save inserts or replaces an audit run
func (r *AuditRunRepository) Save(ctx context.Context, run *models.AuditRun) error {
	results, err := json.Marshal(run.CategoryResults)
	if err != nil {
		return fmt.Errorf("failed to encode category results: %w", err)
	}

	query := `
		INSERT INTO audit_runs (` + auditRunColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			status = EXCLUDED.status,
			category_results = EXCLUDED.category_results,
			overall_risk_score = EXCLUDED.overall_risk_score,
			priority = EXCLUDED.priority
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		run.ID,
		run.StartedAt,
		run.CompletedAt,
		run.Status,
		results,
		run.OverallRiskScore,
		run.Priority,
	)
	if err != nil {
		return fmt.Errorf("failed to save audit run: %w", err)
	}

	r.logger.Debug("audit run saved", zap.String("id", run.ID.String()))
	return nil
}

// GetByID retrieves an audit run by ID
func (r *AuditRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRun, error) {
	query := `SELECT ` + auditRunColumns + ` FROM audit_runs WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	run, err := scanAuditRun(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit run %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get audit run: %w", err)
	}
	return run, nil
}

// ListRecent returns up to limit runs, newest first
func (r *AuditRunRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditRun, error) {
	query := `SELECT ` + auditRunColumns + ` FROM audit_runs ORDER BY started_at DESC LIMIT $1`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AuditRun
	for rows.Next() {
		run, err := scanAuditRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit run rows: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRun(row rowScanner) (*models.AuditRun, error) {
	run := &models.AuditRun{}
	var (
		completedAt sql.NullTime
		results     []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&completedAt,
		&run.Status,
		&results,
		&run.OverallRiskScore,
		&run.Priority,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.CategoryResults = make(map[string]models.CategoryResult)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &run.CategoryResults); err != nil {
			return nil, fmt.Errorf("failed to decode category results: %w", err)
		}
	}
	return run, nil
}
