package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return Wrap(sqlDB, zap.NewNop()), mock
}

func TestAuditRunRepository_Save(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRunRepository(db, zap.NewNop())

	run := models.NewAuditRun()
	run.CategoryResults["security"] = models.CategoryResult{Category: "security", Weight: 0.5, Score: 0.9}
	run.Complete(0.9, models.PriorityHigh)

	mock.ExpectExec("INSERT INTO audit_runs").
		WithArgs(run.ID, run.StartedAt, sqlmock.AnyArg(), "completed", sqlmock.AnyArg(), 0.9, "high").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Save(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRunRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRunRepository(db, zap.NewNop())

	id := uuid.New()
	started := time.Now().Add(-time.Minute)
	completed := time.Now()
	results, _ := json.Marshal(map[string]models.CategoryResult{
		"security": {Category: "security", Weight: 0.5, Score: 0.9,
			Findings: []models.Finding{{Category: "security", Title: "Outdated TLS Configuration", Severity: models.SeverityHigh}}},
	})

	t.Run("found", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "started_at", "completed_at", "status", "category_results", "overall_risk_score", "priority"}).
			AddRow(id.String(), started, completed, "completed", results, 0.9, "high")
		mock.ExpectQuery("SELECT (.+) FROM audit_runs WHERE id").WithArgs(id).WillReturnRows(rows)

		run, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, run.ID)
		assert.Equal(t, models.RunStatusCompleted, run.Status)
		assert.Equal(t, models.PriorityHigh, run.Priority)
		require.NotNil(t, run.CompletedAt)
		require.Contains(t, run.CategoryResults, "security")
		assert.Len(t, run.Findings(), 1)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM audit_runs WHERE id").WithArgs(id).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRunRepository_ListRecent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRunRepository(db, zap.NewNop())

	rows := sqlmock.NewRows([]string{"id", "started_at", "completed_at", "status", "category_results", "overall_risk_score", "priority"}).
		AddRow(uuid.New().String(), time.Now(), nil, "failed", []byte(`{}`), 0.0, "low").
		AddRow(uuid.New().String(), time.Now(), time.Now(), "completed", []byte(`{}`), 0.5, "medium")
	mock.ExpectQuery("SELECT (.+) FROM audit_runs ORDER BY started_at DESC LIMIT").WithArgs(10).WillReturnRows(rows)

	runs, err := repo.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Nil(t, runs[0].CompletedAt)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.NotNil(t, runs[0].CategoryResults)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testProposal() *models.UpgradeProposal {
	ref := models.FindingRef{AuditRunID: uuid.New(), Category: "security", Title: "Outdated TLS Configuration", Severity: models.SeverityHigh}
	p := models.NewUpgradeProposal(ref, "Upgrade TLS", "Move to TLS 1.3", models.PriorityHigh)
	p.Plan = models.UpgradePlan{Changes: []string{"update tls config"}, Tests: []string{"tls_handshake"}}
	return p
}

func TestProposalRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProposalRepository(db, zap.NewNop())

	p := testProposal()
	p.Ticket = &models.TicketRef{ExternalID: "42", URL: "https://example.test/42", State: models.TicketStateOpen}

	mock.ExpectExec("INSERT INTO upgrade_proposals (.+) ON CONFLICT \\(id\\) DO UPDATE").
		WithArgs(
			p.SourceFindingRef.AuditRunID, p.ID, sqlmock.AnyArg(), p.Title, p.Description, p.Category,
			"high", "", "pending", sqlmock.AnyArg(), "42", "https://example.test/42", "open",
			"", "", "", "", p.CreatedAt, p.UpdatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProposalRepository(db, zap.NewNop())

	p := testProposal()
	ref, _ := json.Marshal(p.SourceFindingRef)
	plan, _ := json.Marshal(p.Plan)

	rows := sqlmock.NewRows([]string{"id", "source_finding_ref", "title", "description", "category", "priority",
		"estimated_effort", "status", "plan", "ticket_external_id", "ticket_url", "ticket_state", "failed_step",
		"failure_detail", "decided_by", "decision_note", "created_at", "updated_at"}).
		AddRow(p.ID.String(), ref, p.Title, p.Description, p.Category, "high", "2 days", "failed", plan,
			nil, nil, nil, "test", "tls_handshake failed", "alice", "", p.CreatedAt, p.UpdatedAt)
	mock.ExpectQuery("SELECT (.+) FROM upgrade_proposals WHERE id").WithArgs(p.ID).WillReturnRows(rows)

	got, err := repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.SourceFindingRef, got.SourceFindingRef)
	assert.Equal(t, p.Plan, got.Plan)
	assert.Equal(t, models.ProposalStatusFailed, got.Status)
	assert.Equal(t, models.StepTest, got.FailedStep)
	assert.Nil(t, got.Ticket)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalRepository_ListByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProposalRepository(db, zap.NewNop())

	emptyRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id"})
	}

	pending := models.ProposalStatusPending
	mock.ExpectQuery("FROM upgrade_proposals WHERE status = \\$1").WithArgs("pending", 50).WillReturnRows(emptyRows())
	mock.ExpectQuery("FROM upgrade_proposals ORDER BY created_at ASC LIMIT \\$1").WithArgs(50).WillReturnRows(emptyRows())

	got, err := repo.ListByStatus(context.Background(), &pending, 50)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = repo.ListByStatus(context.Background(), nil, 50)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutionStepRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewExecutionStepRepository(db, zap.NewNop())

	id := uuid.New()
	now := time.Now()
	steps := []models.ExecutionStep{
		{Name: models.StepValidate, Success: true, Detail: "ok", StartedAt: now, FinishedAt: now},
		{Name: models.StepImplement, Success: false, Detail: "1 of 1 tasks failed", StartedAt: now, FinishedAt: now},
	}

	mock.ExpectExec("INSERT INTO execution_steps").WithArgs(id, "validate", true, "ok", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO execution_steps").WithArgs(id, "implement", false, "1 of 1 tasks failed", now, now).
		WillReturnResult(sqlmock.NewResult(2, 1))

	require.NoError(t, repo.Append(context.Background(), id, steps...))

	rows := sqlmock.NewRows([]string{"name", "success", "detail", "started_at", "finished_at"}).
		AddRow("validate", true, "ok", now, now).
		AddRow("implement", false, "1 of 1 tasks failed", now, now)
	mock.ExpectQuery("FROM execution_steps").WithArgs(id).WillReturnRows(rows)

	got, err := repo.ListByProposal(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.StepValidate, got[0].Name)
	assert.False(t, got[1].Success)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits and routes queries through the transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		steps := NewExecutionStepRepository(db, zap.NewNop())
		id := uuid.New()
		now := time.Now()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO execution_steps").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, ok := GetTransactionFromContext(ctx)
			assert.True(t, ok)
			return steps.Append(ctx, id, models.ExecutionStep{Name: models.StepValidate, StartedAt: now, FinishedAt: now})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nested call joins the outer transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, outer repositories.Transaction) error {
			return tm.InTransaction(ctx, func(ctx context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_HealthCheckAndSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()
	db := Wrap(sqlDB, zap.NewNop())

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	require.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, db.InitSchema(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFactory_FromDB(t *testing.T) {
	db, mock := newMockDB(t)
	factory := NewRepositoryFactoryFromDB(db, zap.NewNop())

	assert.Same(t, db, factory.GetDB())

	repos := factory.NewRepositories()
	assert.NotNil(t, repos.AuditRuns)
	assert.NotNil(t, repos.Proposals)
	assert.NotNil(t, repos.ExecutionSteps)
	assert.NotNil(t, factory.GetTransactionManager())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_runs").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, factory.InitSchema(context.Background()))

	mock.ExpectClose()
	require.NoError(t, factory.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
