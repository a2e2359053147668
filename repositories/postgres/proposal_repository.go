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

// ProposalRepository implements repositories.ProposalRepository
type ProposalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProposalRepository creates a new proposal repository
func NewProposalRepository(db *DB, logger *zap.Logger) repositories.ProposalRepository {
	return &ProposalRepository{db: db, logger: logger}
}

const proposalColumns = `id, source_finding_ref, title, description, category, priority, estimated_effort,
	status, plan, ticket_external_id, ticket_url, ticket_state, failed_step, failure_detail,
	decided_by, decision_note, created_at, updated_at`

// Upsert inserts the proposal or updates its mutable fields.
// An update older than the stored row is ignored.
func (r *ProposalRepository) Upsert(ctx context.Context, p *models.UpgradeProposal) error {
	ref, err := json.Marshal(p.SourceFindingRef)
	if err != nil {
		return fmt.Errorf("failed to encode finding ref: %w", err)
	}
	plan, err := json.Marshal(p.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	var ticketID, ticketURL, ticketState sql.NullString
	if p.Ticket != nil {
		ticketID = sql.NullString{String: p.Ticket.ExternalID, Valid: true}
		ticketURL = sql.NullString{String: p.Ticket.URL, Valid: true}
		ticketState = sql.NullString{String: string(p.Ticket.State), Valid: true}
	}

	query := `
		INSERT INTO upgrade_proposals (audit_run_id, ` + proposalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ticket_external_id = EXCLUDED.ticket_external_id,
			ticket_url = EXCLUDED.ticket_url,
			ticket_state = EXCLUDED.ticket_state,
			failed_step = EXCLUDED.failed_step,
			failure_detail = EXCLUDED.failure_detail,
			decided_by = EXCLUDED.decided_by,
			decision_note = EXCLUDED.decision_note,
			updated_at = EXCLUDED.updated_at
		WHERE upgrade_proposals.updated_at <= EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		p.SourceFindingRef.AuditRunID,
		p.ID,
		ref,
		p.Title,
		p.Description,
		p.Category,
		p.Priority,
		p.EstimatedEffort,
		p.Status,
		plan,
		ticketID,
		ticketURL,
		ticketState,
		p.FailedStep,
		p.FailureDetail,
		p.DecidedBy,
		p.DecisionNote,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert proposal: %w", err)
	}

	r.logger.Debug("proposal stored",
		zap.String("id", p.ID.String()),
		zap.String("status", string(p.Status)))
	return nil
}

// GetByID retrieves a proposal by ID
func (r *ProposalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UpgradeProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM upgrade_proposals WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	p, err := scanProposal(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("proposal %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// ListByStatus returns proposals, optionally filtered by status, oldest first
func (r *ProposalRepository) ListByStatus(ctx context.Context, status *models.ProposalStatus, limit int) ([]*models.UpgradeProposal, error) {
	executor := GetExecutor(ctx, r.db)

	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		query := `SELECT ` + proposalColumns + ` FROM upgrade_proposals WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
		rows, err = executor.QueryContext(ctx, query, *status, limit)
	} else {
		query := `SELECT ` + proposalColumns + ` FROM upgrade_proposals ORDER BY created_at ASC LIMIT $1`
		rows, err = executor.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.UpgradeProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proposal rows: %w", err)
	}
	return proposals, nil
}

func scanProposal(row rowScanner) (*models.UpgradeProposal, error) {
	p := &models.UpgradeProposal{}
	var (
		ref, plan                        []byte
		ticketID, ticketURL, ticketState sql.NullString
	)
	if err := row.Scan(
		&p.ID,
		&ref,
		&p.Title,
		&p.Description,
		&p.Category,
		&p.Priority,
		&p.EstimatedEffort,
		&p.Status,
		&plan,
		&ticketID,
		&ticketURL,
		&ticketState,
		&p.FailedStep,
		&p.FailureDetail,
		&p.DecidedBy,
		&p.DecisionNote,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ref, &p.SourceFindingRef); err != nil {
		return nil, fmt.Errorf("failed to decode finding ref: %w", err)
	}
	if err := json.Unmarshal(plan, &p.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if ticketID.Valid {
		p.Ticket = &models.TicketRef{
			ExternalID: ticketID.String,
			URL:        ticketURL.String,
			State:      models.TicketState(ticketState.String),
		}
	}
	return p, nil
}
