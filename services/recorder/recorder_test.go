package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories"
	"go.uber.org/zap"
)

type MockAuditRuns struct{ mock.Mock }

func (m *MockAuditRuns) Save(ctx context.Context, run *models.AuditRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockAuditRuns) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRun, error) {
	args := m.Called(ctx, id)
	if run := args.Get(0); run != nil {
		return run.(*models.AuditRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRuns) ListRecent(ctx context.Context, limit int) ([]*models.AuditRun, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*models.AuditRun), args.Error(1)
}

type MockProposals struct{ mock.Mock }

func (m *MockProposals) Upsert(ctx context.Context, p *models.UpgradeProposal) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockProposals) GetByID(ctx context.Context, id uuid.UUID) (*models.UpgradeProposal, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*models.UpgradeProposal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProposals) ListByStatus(ctx context.Context, status *models.ProposalStatus, limit int) ([]*models.UpgradeProposal, error) {
	args := m.Called(ctx, status, limit)
	return args.Get(0).([]*models.UpgradeProposal), args.Error(1)
}

type MockSteps struct{ mock.Mock }

func (m *MockSteps) Append(ctx context.Context, proposalID uuid.UUID, steps ...models.ExecutionStep) error {
	return m.Called(ctx, proposalID, steps).Error(0)
}

func (m *MockSteps) ListByProposal(ctx context.Context, proposalID uuid.UUID) ([]models.ExecutionStep, error) {
	args := m.Called(ctx, proposalID)
	return args.Get(0).([]models.ExecutionStep), args.Error(1)
}

// fakeTx runs fn directly and counts calls
type fakeTx struct {
	calls int
}

func (f *fakeTx) Begin(ctx context.Context) (repositories.Transaction, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTx) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	f.calls++
	return fn(ctx, nil)
}

type fixture struct {
	runs      *MockAuditRuns
	proposals *MockProposals
	steps     *MockSteps
	tx        *fakeTx
	recorder  *Recorder
}

func newFixture(config Config) *fixture {
	f := &fixture{
		runs:      new(MockAuditRuns),
		proposals: new(MockProposals),
		steps:     new(MockSteps),
		tx:        &fakeTx{},
	}
	repos := &repositories.Repositories{AuditRuns: f.runs, Proposals: f.proposals, ExecutionSteps: f.steps}
	f.recorder = New(repos, f.tx, zap.NewNop(), config)
	return f
}

func TestRecorder_WritesAllRecordKinds(t *testing.T) {
	f := newFixture(Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, f.recorder.Start())

	run := models.NewAuditRun()
	run.Complete(0.56, models.PriorityMedium)
	proposal := models.NewUpgradeProposal(models.FindingRef{AuditRunID: run.ID, Category: "security"}, "Upgrade TLS", "", models.PriorityHigh)
	result := &models.ExecutionResult{
		ProposalID: proposal.ID,
		Steps:      []models.ExecutionStep{{Name: models.StepValidate, Success: true}},
	}

	f.runs.On("Save", mock.Anything, mock.MatchedBy(func(r *models.AuditRun) bool { return r.ID == run.ID })).Return(nil).Once()
	f.proposals.On("Upsert", mock.Anything, mock.MatchedBy(func(p *models.UpgradeProposal) bool { return p.ID == proposal.ID })).Return(nil).Twice()
	f.steps.On("Append", mock.Anything, proposal.ID, result.Steps).Return(nil).Once()

	f.recorder.RecordAuditRun(run)
	f.recorder.RecordProposal(proposal)
	f.recorder.RecordExecution(proposal, result)

	require.NoError(t, f.recorder.Stop(time.Second))

	f.runs.AssertExpectations(t)
	f.proposals.AssertExpectations(t)
	f.steps.AssertExpectations(t)
	assert.Equal(t, 1, f.tx.calls)
	assert.Zero(t, f.recorder.Dropped())
}

func TestRecorder_RecordsSnapshots(t *testing.T) {
	f := newFixture(Config{BufferSize: 10, WorkerCount: 1})

	proposal := models.NewUpgradeProposal(models.FindingRef{Category: "security"}, "Upgrade TLS", "", models.PriorityHigh)

	var stored *models.UpgradeProposal
	f.proposals.On("Upsert", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		stored = args.Get(1).(*models.UpgradeProposal)
	}).Return(nil)

	require.NoError(t, f.recorder.Start())
	f.recorder.RecordProposal(proposal)
	require.NoError(t, proposal.TransitionTo(models.ProposalStatusApproved))
	require.NoError(t, f.recorder.Stop(time.Second))

	require.NotNil(t, stored)
	assert.Equal(t, models.ProposalStatusPending, stored.Status)
}

func TestRecorder_DropsWhenNotRunning(t *testing.T) {
	f := newFixture(Config{})

	f.recorder.RecordAuditRun(models.NewAuditRun())
	assert.Equal(t, 1, f.recorder.Dropped())

	require.NoError(t, f.recorder.Start())
	require.NoError(t, f.recorder.Stop(time.Second))

	f.recorder.RecordAuditRun(models.NewAuditRun())
	assert.Equal(t, 2, f.recorder.Dropped())
	f.runs.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestRecorder_DropsWhenBufferFull(t *testing.T) {
	f := newFixture(Config{BufferSize: 1, WorkerCount: 1})

	release := make(chan struct{})
	f.runs.On("Save", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return(nil)

	require.NoError(t, f.recorder.Start())

	// The first record is taken by the worker and blocks it
	f.recorder.RecordAuditRun(models.NewAuditRun())
	assert.Eventually(t, func() bool { return len(f.recorder.records) == 0 }, time.Second, 5*time.Millisecond)

	f.recorder.RecordAuditRun(models.NewAuditRun())
	f.recorder.RecordAuditRun(models.NewAuditRun())
	assert.Equal(t, 1, f.recorder.Dropped())

	close(release)
	require.NoError(t, f.recorder.Stop(time.Second))
	f.runs.AssertNumberOfCalls(t, "Save", 2)
}

func TestRecorder_WriteErrorsAreLoggedNotFatal(t *testing.T) {
	f := newFixture(Config{BufferSize: 4, WorkerCount: 1})

	f.proposals.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()
	f.proposals.On("Upsert", mock.Anything, mock.Anything).Return(nil).Once()

	require.NoError(t, f.recorder.Start())
	p := models.NewUpgradeProposal(models.FindingRef{Category: "security"}, "a", "", models.PriorityLow)
	f.recorder.RecordProposal(p)
	f.recorder.RecordProposal(p)
	require.NoError(t, f.recorder.Stop(time.Second))

	f.proposals.AssertNumberOfCalls(t, "Upsert", 2)
}

func TestRecorder_StartStopGuards(t *testing.T) {
	f := newFixture(Config{})

	assert.ErrorIs(t, f.recorder.Stop(time.Second), ErrNotStarted)
	require.NoError(t, f.recorder.Start())
	assert.ErrorIs(t, f.recorder.Start(), ErrAlreadyStarted)
	require.NoError(t, f.recorder.Stop(time.Second))
	assert.ErrorIs(t, f.recorder.Stop(time.Second), ErrNotStarted)
}
