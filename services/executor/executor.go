package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/backends"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/services/ticketing"
	"go.uber.org/zap"
)

// CancelledDetail is recorded on the step that was interrupted by cancellation
const CancelledDetail = "cancelled"

const ticketTimeout = 30 * time.Second

// Config holds configuration for the Executor
type Config struct {
	TicketLabels []string
}

// Executor runs the staged upgrade pipeline for one proposal at a time:
// validate, implement, test, stage deploy, production deploy.
// Steps of one proposal run strictly in sequence; Execute may be called
// concurrently for different proposals.
type Executor struct {
	dispatcher    Dispatcher
	routing       backends.RoutingPolicy
	preconditions Preconditions
	tests         TestRunner
	deployer      Deployer
	tracker       ticketing.IssueTracker
	publisher     events.Publisher
	metrics       *observability.Metrics
	config        Config
	logger        *zap.Logger
}

// New creates a new Executor
func New(
	dispatcher Dispatcher,
	routing backends.RoutingPolicy,
	tests TestRunner,
	deployer Deployer,
	tracker ticketing.IssueTracker,
	publisher events.Publisher,
	metrics *observability.Metrics,
	config Config,
	logger *zap.Logger,
) *Executor {
	if tracker == nil {
		tracker = ticketing.NoopTracker{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Executor{
		dispatcher: dispatcher,
		routing:    routing,
		tests:      tests,
		deployer:   deployer,
		tracker:    tracker,
		publisher:  publisher,
		metrics:    metrics,
		config:     config,
		logger:     logger,
	}
}

// WithPreconditions sets the checks run by the validate step
func (e *Executor) WithPreconditions(p Preconditions) *Executor {
	e.preconditions = p
	return e
}

type step struct {
	name models.StepName
	run  func(ctx context.Context, p *models.UpgradeProposal) (string, error)
}

// Execute runs the pipeline. See ExecuteWithObserver.
func (e *Executor) Execute(ctx context.Context, proposal *models.UpgradeProposal) (*models.ExecutionResult, error) {
	return e.ExecuteWithObserver(ctx, proposal, nil)
}

// ExecuteWithObserver runs the pipeline and calls observe after every step.
// The result, including the partial step log, is returned even when the
// pipeline aborts. The error is a pipeline step error naming the failed step,
// or a production deploy error. Cancelling ctx interrupts steps 1 to 4 only.
func (e *Executor) ExecuteWithObserver(ctx context.Context, proposal *models.UpgradeProposal, observe StepObserver) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{ProposalID: proposal.ID}

	e.metrics.ExecutionStarted()
	defer e.metrics.ExecutionFinished()

	log := e.logger.With(zap.String("proposal_id", proposal.ID.String()))
	log.Info("starting upgrade pipeline",
		zap.String("title", proposal.Title),
		zap.String("category", proposal.Category))

	result.Ticket = e.openTicket(ctx, proposal, log)

	steps := []step{
		{models.StepValidate, e.validate},
		{models.StepImplement, e.implement},
		{models.StepTest, e.test},
		{models.StepStageDeploy, e.stageDeploy},
	}

	for i, s := range steps {
		log.Debug(fmt.Sprintf("step %d: %s", i+1, s.name))

		started := time.Now()
		if ctx.Err() != nil {
			e.record(ctx, result, proposal, s.name, started, false, CancelledDetail, observe)
			return result, e.abort(ctx, result, proposal, s.name, CancelledDetail, ctx.Err(), log)
		}

		detail, err := s.run(ctx, proposal)
		if err != nil {
			if ctx.Err() != nil {
				detail = CancelledDetail
			}
			e.record(ctx, result, proposal, s.name, started, false, detail, observe)
			return result, e.abort(ctx, result, proposal, s.name, detail, err, log)
		}
		e.record(ctx, result, proposal, s.name, started, true, detail, observe)
	}

	// Step 5 is the point of no return and ignores caller cancellation.
	log.Debug("step 5: production_deploy")
	prodCtx := context.WithoutCancel(ctx)
	started := time.Now()
	if err := e.deployer.Deploy(prodCtx, EnvironmentProduction, proposal); err != nil {
		detail := fmt.Sprintf("production deploy failed: %v", err)
		e.record(prodCtx, result, proposal, models.StepProductionDeploy, started, false, detail, observe)
		result.FailedStep = models.StepProductionDeploy

		log.Error("production deploy failed, manual intervention required", zap.Error(err))
		e.annotate(prodCtx, result.Ticket, fmt.Sprintf("Upgrade failed during production deploy and needs manual intervention: %v", err), log)

		return result, services.ProductionDeployFailed("production deploy failed", err).
			WithDetail(services.DetailProposalID, proposal.ID.String()).
			WithDetail(services.DetailCategory, proposal.Category)
	}
	e.record(prodCtx, result, proposal, models.StepProductionDeploy, started, true, "deployed to production", observe)

	result.Success = true
	e.closeTicket(prodCtx, result.Ticket, summarize(proposal, result), log)
	log.Info("upgrade pipeline completed", zap.Int("steps", len(result.Steps)))

	return result, nil
}

// abort finalizes a failed non-production step
func (e *Executor) abort(ctx context.Context, result *models.ExecutionResult, p *models.UpgradeProposal, name models.StepName, detail string, cause error, log *zap.Logger) error {
	result.FailedStep = name
	cancelled := detail == CancelledDetail
	result.Cancelled = cancelled

	log.Warn("upgrade pipeline aborted",
		zap.String("step", string(name)),
		zap.Bool("cancelled", cancelled),
		zap.Error(cause))

	note := fmt.Sprintf("Upgrade failed at step %s: %s", name, detail)
	if name == models.StepValidate && !cancelled {
		note = "validation failed: " + detail
	}
	e.annotate(context.WithoutCancel(ctx), result.Ticket, note, log)

	err := services.PipelineStepFailed(string(name), fmt.Sprintf("%s step failed", name), cause).
		WithDetail(services.DetailProposalID, p.ID.String()).
		WithDetail(services.DetailCategory, p.Category)
	if cancelled {
		err.WithDetail(services.DetailCancelled, true)
	}
	if backend, ok := services.GetErrorDetails(cause)[services.DetailBackend]; ok {
		err.WithDetail(services.DetailBackend, backend)
	}
	return err
}

// record appends a step to the log and reports it
func (e *Executor) record(ctx context.Context, result *models.ExecutionResult, p *models.UpgradeProposal, name models.StepName, started time.Time, ok bool, detail string, observe StepObserver) {
	s := models.ExecutionStep{
		Name:       name,
		Success:    ok,
		Detail:     detail,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	result.Steps = append(result.Steps, s)

	e.metrics.ObserveStep(string(name), ok)
	e.publisher.Publish(ctx, events.New(events.EventExecutionStep, p.ID.String(), s))
	if observe != nil {
		observe(s)
	}
}

// Step 1
func (e *Executor) validate(ctx context.Context, p *models.UpgradeProposal) (string, error) {
	if len(p.Plan.Changes) == 0 {
		return "plan lists no changes", errors.New("plan lists no changes")
	}
	if e.preconditions != nil {
		if err := e.preconditions.Check(ctx, p); err != nil {
			return err.Error(), err
		}
	}
	return fmt.Sprintf("%d changes validated", len(p.Plan.Changes)), nil
}

type dispatchOutcome struct {
	change  string
	backend string
	result  *backends.BackendResult
	err     error
}

// Step 2. All tasks are dispatched concurrently and all results are collected
// before the step is judged.
func (e *Executor) implement(ctx context.Context, p *models.UpgradeProposal) (string, error) {
	outcomes := make([]dispatchOutcome, len(p.Plan.Changes))

	var wg sync.WaitGroup
	for i, change := range p.Plan.Changes {
		task := &backends.ImplementationTask{
			ID:         uuid.New(),
			ProposalID: p.ID,
			Category:   p.Category,
			Change:     change,
			Resources:  p.Plan.RequiredResources,
		}
		backendID := e.routing.Route(p, task)
		outcomes[i] = dispatchOutcome{change: change, backend: backendID}

		wg.Add(1)
		go func(i int, task *backends.ImplementationTask, backendID string) {
			defer wg.Done()
			outcomes[i].result, outcomes[i].err = e.dispatcher.Dispatch(ctx, task, backendID)
		}(i, task, backendID)
	}
	wg.Wait()

	var (
		applied  int
		failures []string
		firstErr error
	)
	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("%q via %s: %v", o.change, o.backend, o.err))
			if firstErr == nil {
				firstErr = fmt.Errorf("change %q: %w", o.change, o.err)
			}
			continue
		}
		if o.result != nil {
			applied += len(o.result.ChangesApplied)
		}
	}

	if len(failures) > 0 {
		return fmt.Sprintf("%d of %d tasks failed: %s", len(failures), len(outcomes), strings.Join(failures, "; ")), firstErr
	}
	return fmt.Sprintf("%d tasks succeeded, %d changes applied", len(outcomes), applied), nil
}

// Step 3
func (e *Executor) test(ctx context.Context, p *models.UpgradeProposal) (string, error) {
	return e.runSuite(ctx, Suite{Name: "unit", Tests: p.Plan.Tests})
}

// Step 4
func (e *Executor) stageDeploy(ctx context.Context, p *models.UpgradeProposal) (string, error) {
	if err := e.deployer.Deploy(ctx, EnvironmentStaging, p); err != nil {
		return fmt.Sprintf("staging deploy failed: %v", err), err
	}
	detail, err := e.runSuite(ctx, Suite{Name: "staging", Environment: EnvironmentStaging, Tests: p.Plan.StagingTests})
	if err != nil {
		return "staging tests failed: " + detail, err
	}
	return "deployed to staging, " + detail, nil
}

func (e *Executor) runSuite(ctx context.Context, suite Suite) (string, error) {
	if len(suite.Tests) == 0 {
		return "no tests defined", nil
	}

	report, err := e.tests.Run(ctx, suite)
	if err != nil {
		return fmt.Sprintf("%s suite could not run: %v", suite.Name, err), err
	}
	var failed []string
	if report != nil {
		failed = report.Failed
	}
	missing := report.Unreported(suite.Tests)
	if len(failed) > 0 || len(missing) > 0 {
		msg := fmt.Sprintf("%d of %d tests did not pass", len(failed)+len(missing), len(suite.Tests))
		if len(failed) > 0 {
			msg += "; failed: " + strings.Join(failed, ", ")
		}
		if len(missing) > 0 {
			msg += fmt.Sprintf("; %d not reported: %s", len(missing), strings.Join(missing, ", "))
		}
		return msg, errors.New(msg)
	}
	return fmt.Sprintf("%d tests passed", len(report.Passed)), nil
}

func (e *Executor) openTicket(ctx context.Context, p *models.UpgradeProposal, log *zap.Logger) *models.TicketRef {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ticketTimeout)
	defer cancel()

	labels := append(append([]string(nil), e.config.TicketLabels...), p.Category, "priority:"+string(p.Priority))
	ref, err := e.tracker.CreateIssue(tctx, p.Title, ticketBody(p), labels)
	if err != nil {
		log.Warn("failed to create ticket, continuing without one", zap.Error(err))
		return nil
	}
	return ref
}

func (e *Executor) closeTicket(ctx context.Context, ref *models.TicketRef, summary string, log *zap.Logger) {
	if ref == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, ticketTimeout)
	defer cancel()

	if err := e.tracker.CloseIssue(tctx, ref, summary); err != nil {
		log.Warn("failed to close ticket", zap.String("ticket", ref.ExternalID), zap.Error(err))
	}
}

func (e *Executor) annotate(ctx context.Context, ref *models.TicketRef, detail string, log *zap.Logger) {
	if ref == nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, ticketTimeout)
	defer cancel()

	if err := e.tracker.ReopenOrAnnotate(tctx, ref, detail); err != nil {
		log.Warn("failed to annotate ticket", zap.String("ticket", ref.ExternalID), zap.Error(err))
	}
}

func ticketBody(p *models.UpgradeProposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", p.Description)
	fmt.Fprintf(&b, "Source finding: %s (%s, severity %s)\n", p.SourceFindingRef.Title, p.SourceFindingRef.Category, p.SourceFindingRef.Severity)
	fmt.Fprintf(&b, "Estimated effort: %s\n\nPlanned changes:\n", p.EstimatedEffort)
	for _, c := range p.Plan.Changes {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}

func summarize(p *models.UpgradeProposal, result *models.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Upgrade %q completed.\n\n", p.Title)
	for _, s := range result.Steps {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", s.Name, s.Detail, s.Duration().Round(time.Millisecond))
	}
	return b.String()
}
