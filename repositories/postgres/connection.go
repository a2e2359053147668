package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/upgrade-pipeline/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens and verifies a PostgreSQL connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return Wrap(db, logger), nil
}

// Wrap adopts an already opened pool
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck pings the database and runs a trivial query
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS audit_runs (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		status VARCHAR(20) NOT NULL,
		category_results JSONB NOT NULL,
		overall_risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		priority VARCHAR(10) NOT NULL DEFAULT 'low'
	);

	CREATE TABLE IF NOT EXISTS upgrade_proposals (
		id UUID PRIMARY KEY,
		audit_run_id UUID,
		source_finding_ref JSONB NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category VARCHAR(100) NOT NULL,
		priority VARCHAR(10) NOT NULL,
		estimated_effort VARCHAR(50) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL,
		plan JSONB NOT NULL,
		ticket_external_id VARCHAR(100),
		ticket_url TEXT,
		ticket_state VARCHAR(20),
		failed_step VARCHAR(30) NOT NULL DEFAULT '',
		failure_detail TEXT NOT NULL DEFAULT '',
		decided_by VARCHAR(255) NOT NULL DEFAULT '',
		decision_note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_steps (
		id BIGSERIAL PRIMARY KEY,
		proposal_id UUID NOT NULL REFERENCES upgrade_proposals(id) ON DELETE CASCADE,
		name VARCHAR(30) NOT NULL,
		success BOOLEAN NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started_at ON audit_runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_upgrade_proposals_status ON upgrade_proposals(status);
	CREATE INDEX IF NOT EXISTS idx_upgrade_proposals_audit_run_id ON upgrade_proposals(audit_run_id);
	CREATE INDEX IF NOT EXISTS idx_execution_steps_proposal_id ON execution_steps(proposal_id);
`

// InitSchema creates the pipeline tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
