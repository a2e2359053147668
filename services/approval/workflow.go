package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/services/executor"
	"github.com/upb/upgrade-pipeline/services/recorder"
	"go.uber.org/zap"
)

// CancelledDetail is the failure detail of a proposal cancelled before its pipeline started
const CancelledDetail = executor.CancelledDetail

// Executor runs the upgrade pipeline for one proposal. Satisfied by *executor.Executor.
type Executor interface {
	ExecuteWithObserver(ctx context.Context, proposal *models.UpgradeProposal, observe executor.StepObserver) (*models.ExecutionResult, error)
}

// Config holds configuration for the Workflow
type Config struct {
	// MaxConcurrent bounds how many approved proposals execute at once
	MaxConcurrent int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4}
}

type entry struct {
	proposal *models.UpgradeProposal
	log      []models.ExecutionStep
	cancel   context.CancelFunc
	done     chan struct{}
}

// Workflow owns the proposal queue. Every status change of a proposal happens
// under one mutex, so a proposal leaves pending exactly once.
type Workflow struct {
	executor  Executor
	publisher events.Publisher
	sink      recorder.Sink
	metrics   *observability.Metrics
	logger    *zap.Logger

	sem        chan struct{}
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
	stopped bool
}

// New creates a Workflow
func New(exec Executor, publisher events.Publisher, sink recorder.Sink, metrics *observability.Metrics, config Config, logger *zap.Logger) *Workflow {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if sink == nil {
		sink = recorder.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Workflow{
		executor:   exec,
		publisher:  publisher,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		sem:        make(chan struct{}, config.MaxConcurrent),
		baseCtx:    ctx,
		baseCancel: cancel,
		entries:    make(map[uuid.UUID]*entry),
	}
}

// Submit adds pending proposals. Either all are added or none.
func (w *Workflow) Submit(proposals ...*models.UpgradeProposal) error {
	w.mu.Lock()

	if w.stopped {
		w.mu.Unlock()
		return services.NewDomainError(services.ErrorTypeConflict, "workflow is stopped", nil)
	}

	seen := make(map[uuid.UUID]bool, len(proposals))
	for _, p := range proposals {
		if p == nil {
			w.mu.Unlock()
			return services.NewDomainError(services.ErrorTypeValidation, "nil proposal", nil)
		}
		if p.Status != models.ProposalStatusPending {
			w.mu.Unlock()
			return services.NewDomainError(services.ErrorTypeValidation, fmt.Sprintf("proposal %s is %s, only pending proposals can be submitted", p.ID, p.Status), nil).
				WithDetail(services.DetailProposalID, p.ID.String()).
				WithDetail(services.DetailStatus, p.Status)
		}
		if _, exists := w.entries[p.ID]; exists || seen[p.ID] {
			w.mu.Unlock()
			return services.NewDomainError(services.ErrorTypeConflict, fmt.Sprintf("proposal %s already submitted", p.ID), nil).
				WithDetail(services.DetailProposalID, p.ID.String())
		}
		seen[p.ID] = true
	}

	snapshots := make([]*models.UpgradeProposal, 0, len(proposals))
	for _, p := range proposals {
		owned := p.Clone()
		w.entries[p.ID] = &entry{proposal: owned, done: make(chan struct{})}
		w.order = append(w.order, p.ID)
		snapshots = append(snapshots, owned.Clone())
	}
	w.mu.Unlock()

	for _, p := range snapshots {
		w.sink.RecordProposal(p)
	}
	return nil
}

// lookup returns the entry for id. Caller holds w.mu.
func (w *Workflow) lookup(id uuid.UUID) (*entry, error) {
	e, ok := w.entries[id]
	if !ok {
		return nil, services.NotFound("proposal", id)
	}
	return e, nil
}

func stateError(p *models.UpgradeProposal, err error) error {
	return services.InvalidState(err.Error(), p.Status, err).
		WithDetail(services.DetailProposalID, p.ID.String())
}

// Approve moves a pending proposal to approved and queues its execution.
// Execution does not inherit ctx; use Cancel to interrupt it.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.UpgradeProposal, error) {
	w.mu.Lock()
	e, err := w.lookup(id)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if w.stopped {
		w.mu.Unlock()
		return nil, services.NewDomainError(services.ErrorTypeConflict, "workflow is stopped", nil)
	}
	if err := e.proposal.TransitionTo(models.ProposalStatusApproved); err != nil {
		w.mu.Unlock()
		return nil, stateError(e.proposal, err)
	}
	e.proposal.DecidedBy = actor

	execCtx, cancel := context.WithCancel(w.baseCtx)
	e.cancel = cancel
	snapshot := e.proposal.Clone()
	w.wg.Add(1)
	w.mu.Unlock()

	w.logger.Info("proposal approved",
		zap.String("proposal_id", id.String()),
		zap.String("actor", actor))
	w.announce(ctx, snapshot)
	w.sink.RecordProposal(snapshot)

	go w.run(execCtx, e)
	return snapshot, nil
}

// Reject moves a pending proposal to rejected. It is never executed.
func (w *Workflow) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*models.UpgradeProposal, error) {
	w.mu.Lock()
	e, err := w.lookup(id)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if err := e.proposal.TransitionTo(models.ProposalStatusRejected); err != nil {
		w.mu.Unlock()
		return nil, stateError(e.proposal, err)
	}
	e.proposal.DecidedBy = actor
	e.proposal.DecisionNote = reason
	snapshot := e.proposal.Clone()
	w.mu.Unlock()

	w.logger.Info("proposal rejected",
		zap.String("proposal_id", id.String()),
		zap.String("actor", actor),
		zap.String("reason", reason))
	w.announce(ctx, snapshot)
	w.sink.RecordProposal(snapshot)
	close(e.done)
	return snapshot, nil
}

// Cancel interrupts an approved or implementing proposal. Steps before
// production deploy stop and the proposal ends failed with detail "cancelled".
func (w *Workflow) Cancel(id uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.lookup(id)
	if err != nil {
		return err
	}
	switch e.proposal.Status {
	case models.ProposalStatusApproved, models.ProposalStatusImplementing:
	default:
		return services.InvalidState(fmt.Sprintf("proposal %s has no execution in flight", id), e.proposal.Status, nil).
			WithDetail(services.DetailProposalID, id.String())
	}
	if e.cancel != nil {
		e.cancel()
	}
	w.logger.Info("proposal execution cancelled", zap.String("proposal_id", id.String()))
	return nil
}

func (w *Workflow) run(ctx context.Context, e *entry) {
	defer w.wg.Done()

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		w.finish(ctx, e, nil, ctx.Err())
		return
	}
	defer func() { <-w.sem }()

	if ctx.Err() != nil {
		w.finish(ctx, e, nil, ctx.Err())
		return
	}

	w.mu.Lock()
	if err := e.proposal.TransitionTo(models.ProposalStatusImplementing); err != nil {
		w.mu.Unlock()
		w.logger.Error("cannot start execution", zap.String("proposal_id", e.proposal.ID.String()), zap.Error(err))
		return
	}
	snapshot := e.proposal.Clone()
	w.mu.Unlock()
	w.announce(ctx, snapshot)
	w.sink.RecordProposal(snapshot)

	result, err := w.executor.ExecuteWithObserver(ctx, snapshot, func(step models.ExecutionStep) {
		w.mu.Lock()
		e.log = append(e.log, step)
		w.mu.Unlock()
	})
	w.finish(ctx, e, result, err)
}

// finish moves the proposal to its terminal state
func (w *Workflow) finish(ctx context.Context, e *entry, result *models.ExecutionResult, execErr error) {
	w.mu.Lock()
	p := e.proposal
	if result == nil {
		result = &models.ExecutionResult{ProposalID: p.ID}
	}
	if result.Ticket != nil {
		t := *result.Ticket
		p.Ticket = &t
	}

	var err error
	if execErr == nil && result.Success {
		err = p.TransitionTo(models.ProposalStatusCompleted)
	} else {
		err = p.MarkFailed(result.FailedStep, failureDetail(result, execErr))
	}
	if err != nil {
		w.logger.Error("invalid terminal transition", zap.String("proposal_id", p.ID.String()), zap.Error(err))
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	snapshot := p.Clone()
	w.mu.Unlock()

	log := w.logger.With(zap.String("proposal_id", snapshot.ID.String()))
	if snapshot.Status == models.ProposalStatusCompleted {
		log.Info("proposal completed")
	} else {
		log.Warn("proposal failed",
			zap.String("failed_step", string(snapshot.FailedStep)),
			zap.String("detail", snapshot.FailureDetail))
	}

	w.announce(ctx, snapshot)
	w.sink.RecordExecution(snapshot, result)
	close(e.done)
}

func failureDetail(result *models.ExecutionResult, err error) string {
	if last, ok := result.LastStep(); ok && !last.Success {
		return last.Detail
	}
	if len(result.Steps) == 0 && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return CancelledDetail
	}
	if err != nil {
		return err.Error()
	}
	return "execution did not succeed"
}

func (w *Workflow) announce(ctx context.Context, p *models.UpgradeProposal) {
	w.metrics.ObserveTransition(string(p.Status))
	w.publisher.Publish(context.WithoutCancel(ctx), events.New(events.EventProposalStatus, p.ID.String(), p))
}

// Get returns a copy of the proposal
func (w *Workflow) Get(id uuid.UUID) (*models.UpgradeProposal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.proposal.Clone(), nil
}

// List returns copies of all proposals in submission order, optionally filtered by status
func (w *Workflow) List(status *models.ProposalStatus) []*models.UpgradeProposal {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*models.UpgradeProposal, 0, len(w.order))
	for _, id := range w.order {
		p := w.entries[id].proposal
		if status != nil && p.Status != *status {
			continue
		}
		out = append(out, p.Clone())
	}
	return out
}

// ExecutionLog returns the steps recorded so far for a proposal
func (w *Workflow) ExecutionLog(id uuid.UUID) ([]models.ExecutionStep, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, err := w.lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]models.ExecutionStep{}, e.log...), nil
}

// Await blocks until the proposal reaches a terminal state and its final
// transition has been published, or until ctx is done
func (w *Workflow) Await(ctx context.Context, id uuid.UUID) (*models.UpgradeProposal, error) {
	w.mu.Lock()
	e, err := w.lookup(id)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	done := e.done
	w.mu.Unlock()

	select {
	case <-done:
		return w.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop stops accepting approvals and waits for running executions.
// After timeout the remaining executions are cancelled.
func (w *Workflow) Stop(timeout time.Duration) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.baseCancel()
		w.logger.Info("approval workflow stopped")
		return nil
	case <-time.After(timeout):
		w.baseCancel()
		return fmt.Errorf("approval workflow stop timeout after %v, in-flight executions cancelled", timeout)
	}
}
