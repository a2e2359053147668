package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/approval"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/services/mapper"
	"github.com/upb/upgrade-pipeline/services/orchestrator"
	"github.com/upb/upgrade-pipeline/services/recorder"
	"go.uber.org/zap"
)

// Service is the pipeline API: it owns the audit history, the mapper and the
// proposal queue, and is what the HTTP handlers and the scheduler call.
type Service struct {
	orchestrator *orchestrator.Orchestrator
	mapper       *mapper.Mapper
	workflow     *approval.Workflow
	bus          *events.Bus
	publisher    events.Publisher
	sink         recorder.Sink
	categories   []orchestrator.CategoryConfig
	logger       *zap.Logger

	mu          sync.Mutex
	auditing    bool
	runProposal map[uuid.UUID][]uuid.UUID
}

// Config holds configuration for the Service
type Config struct {
	// Categories are passed to every audit run
	Categories []orchestrator.CategoryConfig
}

// New creates the pipeline service. Events go to publisher, which should
// include bus so Subscribe sees them. A nil publisher publishes to bus only.
func New(
	orch *orchestrator.Orchestrator,
	m *mapper.Mapper,
	workflow *approval.Workflow,
	bus *events.Bus,
	publisher events.Publisher,
	sink recorder.Sink,
	config Config,
	logger *zap.Logger,
) *Service {
	if publisher == nil {
		publisher = bus
	}
	if sink == nil {
		sink = recorder.Nop{}
	}
	return &Service{
		orchestrator: orch,
		mapper:       m,
		workflow:     workflow,
		bus:          bus,
		publisher:    publisher,
		sink:         sink,
		categories:   config.Categories,
		logger:       logger,
		runProposal:  make(map[uuid.UUID][]uuid.UUID),
	}
}

// RunAudit runs all configured categories, turns the findings into pending
// proposals and returns a summary. Only one audit runs at a time; a second
// concurrent call fails with a conflict.
func (s *Service) RunAudit(ctx context.Context) (*models.AuditRunSummary, error) {
	summary, ran, err := s.TryRunAudit(ctx)
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, services.NewDomainError(services.ErrorTypeConflict, "an audit run is already in flight", nil)
	}
	return summary, nil
}

// TryRunAudit is RunAudit for periodic triggers: ran is false when another
// audit is already in flight.
func (s *Service) TryRunAudit(ctx context.Context) (summary *models.AuditRunSummary, ran bool, err error) {
	s.mu.Lock()
	if s.auditing {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.auditing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.auditing = false
		s.mu.Unlock()
	}()

	summary, err = s.runAudit(ctx)
	return summary, true, err
}

func (s *Service) runAudit(ctx context.Context) (*models.AuditRunSummary, error) {
	// Step 1: fan out over the categories
	run, err := s.orchestrator.RunAudit(ctx, s.categories)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("audit_run_id", run.ID.String()))
	log.Debug("step 1: audit finished", zap.String("status", string(run.Status)))

	// Step 2: map findings. A run the caller abandoned produces no proposals.
	var proposals []*models.UpgradeProposal
	if run.Status == models.RunStatusCompleted {
		proposals = s.mapper.MapFindings(run.ID, run.Findings())
	}
	log.Debug("step 2: findings mapped",
		zap.Int("findings", len(run.Findings())),
		zap.Int("proposals", len(proposals)))

	// Step 3: queue proposals for approval
	if err := s.workflow.Submit(proposals...); err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(proposals))
	for _, p := range proposals {
		ids = append(ids, p.ID)
	}
	s.mu.Lock()
	s.runProposal[run.ID] = ids
	s.pruneLocked()
	s.mu.Unlock()

	// Step 4: record and announce
	s.sink.RecordAuditRun(run)
	pubCtx := context.WithoutCancel(ctx)
	for _, p := range proposals {
		s.publisher.Publish(pubCtx, events.New(events.EventProposalCreated, p.ID.String(), p))
	}
	summary := run.Summarize(ids)
	s.publisher.Publish(pubCtx, events.New(events.EventAuditCompleted, run.ID.String(), summary))

	log.Info("audit run completed",
		zap.Float64("risk_score", run.OverallRiskScore),
		zap.String("priority", string(run.Priority)),
		zap.Int("proposals", len(ids)))
	return summary, nil
}

// pruneLocked forgets proposal ids of runs evicted from the orchestrator history
func (s *Service) pruneLocked() {
	live := make(map[uuid.UUID]bool)
	for _, run := range s.orchestrator.History() {
		live[run.ID] = true
	}
	for id := range s.runProposal {
		if !live[id] {
			delete(s.runProposal, id)
		}
	}
}

func (s *Service) proposalIDs(runID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID{}, s.runProposal[runID]...)
}

// ListAudits returns summaries of the retained runs, newest first
func (s *Service) ListAudits() []*models.AuditRunSummary {
	history := s.orchestrator.History()
	out := make([]*models.AuditRunSummary, 0, len(history))
	for _, run := range history {
		out = append(out, run.Summarize(s.proposalIDs(run.ID)))
	}
	return out
}

// GetAudit returns a retained run
func (s *Service) GetAudit(id uuid.UUID) (*models.AuditRun, error) {
	return s.orchestrator.Get(id)
}

// ListProposals returns proposals, optionally filtered by status
func (s *Service) ListProposals(status *models.ProposalStatus) []*models.UpgradeProposal {
	return s.workflow.List(status)
}

// GetProposal returns one proposal
func (s *Service) GetProposal(id uuid.UUID) (*models.UpgradeProposal, error) {
	return s.workflow.Get(id)
}

// Approve approves a pending proposal and queues its execution
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.UpgradeProposal, error) {
	return s.workflow.Approve(ctx, id, actor)
}

// Reject rejects a pending proposal
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*models.UpgradeProposal, error) {
	return s.workflow.Reject(ctx, id, actor, reason)
}

// Cancel interrupts a proposal's execution
func (s *Service) Cancel(id uuid.UUID) error {
	return s.workflow.Cancel(id)
}

// AwaitProposal blocks until the proposal is terminal
func (s *Service) AwaitProposal(ctx context.Context, id uuid.UUID) (*models.UpgradeProposal, error) {
	return s.workflow.Await(ctx, id)
}

// GetExecutionLog returns the steps executed so far for a proposal
func (s *Service) GetExecutionLog(id uuid.UUID) ([]models.ExecutionStep, error) {
	return s.workflow.ExecutionLog(id)
}

// Subscribe returns a channel of pipeline events and its unsubscribe func
func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.bus.Subscribe()
}
