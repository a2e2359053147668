package approval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/services/executor"
	"go.uber.org/zap"
)

type executeFunc func(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error)

type fakeExecutor struct {
	calls atomic.Int32
	fn    executeFunc
}

func (f *fakeExecutor) ExecuteWithObserver(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error) {
	f.calls.Add(1)
	return f.fn(ctx, p, observe)
}

func step(name models.StepName, ok bool, detail string) models.ExecutionStep {
	now := time.Now()
	return models.ExecutionStep{Name: name, Success: ok, Detail: detail, StartedAt: now, FinishedAt: now}
}

func succeed(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{ProposalID: p.ID, Success: true}
	for _, name := range models.PipelineSteps {
		s := step(name, true, "ok")
		result.Steps = append(result.Steps, s)
		observe(s)
	}
	return result, nil
}

func failTests(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{ProposalID: p.ID, FailedStep: models.StepTest}
	for _, s := range []models.ExecutionStep{
		step(models.StepValidate, true, "ok"),
		step(models.StepImplement, true, "1 of 1 tasks applied"),
		step(models.StepTest, false, "1 failed: tls_handshake"),
	} {
		result.Steps = append(result.Steps, s)
		observe(s)
	}
	return result, services.PipelineStepFailed("test", "test step failed", nil)
}

// blockUntilCancelled simulates a long implement step interrupted by Cancel
func blockUntilCancelled(started chan<- uuid.UUID) executeFunc {
	return func(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error) {
		started <- p.ID
		<-ctx.Done()
		s := step(models.StepImplement, false, executor.CancelledDetail)
		observe(s)
		return &models.ExecutionResult{ProposalID: p.ID, Steps: []models.ExecutionStep{s}, FailedStep: models.StepImplement, Cancelled: true},
			services.PipelineStepFailed("implement", "implement step failed", ctx.Err())
	}
}

func newProposal() *models.UpgradeProposal {
	ref := models.FindingRef{AuditRunID: uuid.New(), Category: "security", Title: "Outdated TLS Configuration", Severity: models.SeverityHigh}
	p := models.NewUpgradeProposal(ref, "Upgrade TLS configuration", "", models.PriorityHigh)
	p.Plan.Changes = []string{"update tls config"}
	return p
}

func newWorkflow(t *testing.T, fn executeFunc, maxConcurrent int) (*Workflow, *fakeExecutor, *events.Bus) {
	exec := &fakeExecutor{fn: fn}
	bus := events.NewBus(64, zap.NewNop())
	w := New(exec, bus, nil, nil, Config{MaxConcurrent: maxConcurrent}, zap.NewNop())
	t.Cleanup(func() { _ = w.Stop(time.Second) })
	return w, exec, bus
}

func await(t *testing.T, w *Workflow, id uuid.UUID) *models.UpgradeProposal {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := w.Await(ctx, id)
	require.NoError(t, err)
	return p
}

func TestWorkflow_ApproveRunsToCompletion(t *testing.T) {
	w, exec, bus := newWorkflow(t, succeed, 2)
	statusEvents, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	p := newProposal()
	require.NoError(t, w.Submit(p))

	approved, err := w.Approve(context.Background(), p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.DecidedBy)

	final := await(t, w, p.ID)
	assert.Equal(t, models.ProposalStatusCompleted, final.Status)
	assert.EqualValues(t, 1, exec.calls.Load())

	log, err := w.ExecutionLog(p.ID)
	require.NoError(t, err)
	assert.Len(t, log, 5)

	var statuses []models.ProposalStatus
	for len(statusEvents) > 0 {
		e := <-statusEvents
		statuses = append(statuses, e.Payload.(*models.UpgradeProposal).Status)
	}
	assert.Equal(t, []models.ProposalStatus{
		models.ProposalStatusApproved,
		models.ProposalStatusImplementing,
		models.ProposalStatusCompleted,
	}, statuses)
}

func TestWorkflow_FailedExecutionRecordsStep(t *testing.T) {
	w, _, _ := newWorkflow(t, failTests, 1)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	_, err := w.Approve(context.Background(), p.ID, "alice")
	require.NoError(t, err)

	final := await(t, w, p.ID)
	assert.Equal(t, models.ProposalStatusFailed, final.Status)
	assert.Equal(t, models.StepTest, final.FailedStep)
	assert.Equal(t, "1 failed: tls_handshake", final.FailureDetail)

	log, err := w.ExecutionLog(p.ID)
	require.NoError(t, err)
	assert.Len(t, log, 3)
}

func TestWorkflow_SingleTransition(t *testing.T) {
	w, exec, _ := newWorkflow(t, succeed, 4)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		stateErrs atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = w.Approve(context.Background(), p.ID, "alice")
			} else {
				_, err = w.Reject(context.Background(), p.ID, "bob", "not now")
			}
			if err == nil {
				successes.Add(1)
			} else if services.IsInvalidStateError(err) {
				stateErrs.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, 19, stateErrs.Load())

	final := await(t, w, p.ID)
	if final.Status == models.ProposalStatusRejected {
		assert.Zero(t, exec.calls.Load())
	} else {
		assert.EqualValues(t, 1, exec.calls.Load())
	}
}

func TestWorkflow_RejectedIsNeverExecuted(t *testing.T) {
	w, exec, _ := newWorkflow(t, succeed, 1)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	rejected, err := w.Reject(context.Background(), p.ID, "bob", "too risky")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusRejected, rejected.Status)
	assert.Equal(t, "too risky", rejected.DecisionNote)

	_, err = w.Approve(context.Background(), p.ID, "alice")
	require.Error(t, err)
	assert.True(t, services.IsInvalidStateError(err))
	assert.Equal(t, models.ProposalStatusRejected, services.GetErrorDetails(err)[services.DetailStatus])

	final := await(t, w, p.ID)
	assert.Equal(t, models.ProposalStatusRejected, final.Status)
	assert.Zero(t, exec.calls.Load())
}

func TestWorkflow_RejectCompletedFails(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	_, err := w.Approve(context.Background(), p.ID, "alice")
	require.NoError(t, err)
	await(t, w, p.ID)

	_, err = w.Reject(context.Background(), p.ID, "bob", "late")
	assert.True(t, services.IsInvalidStateError(err))
}

func TestWorkflow_UnknownProposal(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)
	id := uuid.New()

	_, err := w.Approve(context.Background(), id, "alice")
	assert.True(t, services.IsNotFoundError(err))
	_, err = w.Reject(context.Background(), id, "alice", "")
	assert.True(t, services.IsNotFoundError(err))
	assert.True(t, services.IsNotFoundError(w.Cancel(id)))
	_, err = w.Get(id)
	assert.True(t, services.IsWorkflowStateError(err))
	_, err = w.ExecutionLog(id)
	assert.True(t, services.IsNotFoundError(err))
}

func TestWorkflow_Submit(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)

	a, b := newProposal(), newProposal()
	require.NoError(t, w.Submit(a, b))

	err := w.Submit(newProposal(), a)
	assert.True(t, services.IsConflictError(err))
	assert.Len(t, w.List(nil), 2, "a rejected batch adds nothing")

	dup := newProposal()
	assert.True(t, services.IsConflictError(w.Submit(dup, dup)))

	approved := newProposal()
	approved.Status = models.ProposalStatusApproved
	assert.True(t, services.IsValidationError(w.Submit(approved)))

	// The workflow keeps its own copy
	a.Title = "changed"
	got, err := w.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Upgrade TLS configuration", got.Title)
}

func TestWorkflow_ListFiltersAndKeepsOrder(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)
	a, b, c := newProposal(), newProposal(), newProposal()
	require.NoError(t, w.Submit(a, b, c))

	_, err := w.Reject(context.Background(), b.ID, "bob", "")
	require.NoError(t, err)

	all := w.List(nil)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{a.ID, b.ID, c.ID}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})

	pending := models.ProposalStatusPending
	got := w.List(&pending)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, c.ID, got[1].ID)
}

func TestWorkflow_CancelInFlight(t *testing.T) {
	started := make(chan uuid.UUID, 1)
	w, _, _ := newWorkflow(t, blockUntilCancelled(started), 1)

	p := newProposal()
	require.NoError(t, w.Submit(p))
	_, err := w.Approve(context.Background(), p.ID, "alice")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("execution did not start")
	}

	current, err := w.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusImplementing, current.Status)

	require.NoError(t, w.Cancel(p.ID))

	final := await(t, w, p.ID)
	assert.Equal(t, models.ProposalStatusFailed, final.Status)
	assert.Equal(t, models.StepImplement, final.FailedStep)
	assert.Equal(t, CancelledDetail, final.FailureDetail)

	assert.True(t, services.IsInvalidStateError(w.Cancel(p.ID)))
}

func TestWorkflow_CancelQueued(t *testing.T) {
	started := make(chan uuid.UUID, 2)
	w, exec, _ := newWorkflow(t, blockUntilCancelled(started), 1)

	first, second := newProposal(), newProposal()
	require.NoError(t, w.Submit(first, second))

	_, err := w.Approve(context.Background(), first.ID, "alice")
	require.NoError(t, err)
	<-started

	_, err = w.Approve(context.Background(), second.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, w.Cancel(second.ID))

	final := await(t, w, second.ID)
	assert.Equal(t, models.ProposalStatusFailed, final.Status)
	assert.Empty(t, final.FailedStep)
	assert.Equal(t, CancelledDetail, final.FailureDetail)

	require.NoError(t, w.Cancel(first.ID))
	await(t, w, first.ID)
	assert.EqualValues(t, 1, exec.calls.Load())
}

func TestWorkflow_CancelPendingIsInvalid(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	err := w.Cancel(p.ID)
	assert.True(t, services.IsInvalidStateError(err))
}

func TestWorkflow_BoundedPool(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	release := make(chan struct{})
	fn := func(ctx context.Context, p *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &models.ExecutionResult{ProposalID: p.ID, Success: true}, nil
	}
	w, exec, _ := newWorkflow(t, fn, 2)

	var proposals []*models.UpgradeProposal
	for i := 0; i < 6; i++ {
		proposals = append(proposals, newProposal())
	}
	require.NoError(t, w.Submit(proposals...))
	for _, p := range proposals {
		_, err := w.Approve(context.Background(), p.ID, "alice")
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, peak.Load())

	close(release)
	for _, p := range proposals {
		assert.Equal(t, models.ProposalStatusCompleted, await(t, w, p.ID).Status)
	}
	assert.EqualValues(t, 6, exec.calls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkflow_AwaitRespectsContext(t *testing.T) {
	w, _, _ := newWorkflow(t, succeed, 1)
	p := newProposal()
	require.NoError(t, w.Submit(p))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Await(ctx, p.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWorkflow_StopCancelsAfterTimeout(t *testing.T) {
	started := make(chan uuid.UUID, 1)
	exec := &fakeExecutor{fn: blockUntilCancelled(started)}
	w := New(exec, nil, nil, nil, Config{MaxConcurrent: 1}, zap.NewNop())

	p := newProposal()
	require.NoError(t, w.Submit(p))
	_, err := w.Approve(context.Background(), p.ID, "alice")
	require.NoError(t, err)
	<-started

	err = w.Stop(20 * time.Millisecond)
	assert.Error(t, err)

	final := await(t, w, p.ID)
	assert.Equal(t, models.ProposalStatusFailed, final.Status)
	assert.Equal(t, CancelledDetail, final.FailureDetail)

	_, err = w.Approve(context.Background(), uuid.New(), "alice")
	assert.True(t, services.IsNotFoundError(err))

	other := newProposal()
	assert.True(t, services.IsConflictError(w.Submit(other)))
}
