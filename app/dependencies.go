package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/upgrade-pipeline/config"
	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories/postgres"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/approval"
	"github.com/upb/upgrade-pipeline/services/backends"
	"github.com/upb/upgrade-pipeline/services/backends/httpagent"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/services/executor"
	"github.com/upb/upgrade-pipeline/services/mapper"
	"github.com/upb/upgrade-pipeline/services/orchestrator"
	"github.com/upb/upgrade-pipeline/services/pipeline"
	"github.com/upb/upgrade-pipeline/services/recorder"
	"github.com/upb/upgrade-pipeline/services/scheduler"
	"github.com/upb/upgrade-pipeline/services/ticketing"
	"github.com/upb/upgrade-pipeline/services/validators"
	"go.uber.org/zap"
)

// AuditJob is the scheduler job name of the periodic audit
const AuditJob = "audit"

const recorderStopTimeout = 10 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// Persistence, nil when no database is configured
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	Sink        recorder.Sink
	recorder    *recorder.Recorder

	// Pipeline
	Orchestrator *orchestrator.Orchestrator
	Mapper       *mapper.Mapper
	Backends     *backends.Registry
	Executor     *executor.Executor
	Tracker      ticketing.IssueTracker
	Workflow     *approval.Workflow
	Pipeline     *pipeline.Service
	Scheduler    *scheduler.Scheduler

	// Events
	Bus       *events.Bus
	NATS      *events.NATSPublisher
	Publisher events.Publisher
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initEvents(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := deps.initOrchestrator(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	if err := deps.initMapper(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize mapper: %w", err)
	}

	if err := deps.initExecutor(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	deps.Workflow = approval.New(deps.Executor, deps.Publisher, deps.Sink, deps.Metrics,
		approval.Config{MaxConcurrent: cfg.Executor.MaxConcurrent}, logger)

	deps.Pipeline = pipeline.New(deps.Orchestrator, deps.Mapper, deps.Workflow, deps.Bus, deps.Publisher, deps.Sink,
		pipeline.Config{Categories: Categories(cfg.Audit)}, logger)

	if err := deps.initScheduler(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens PostgreSQL and starts the recorder. Without a database
// configuration records are discarded.
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Logger.Warn("no database configured, audit runs and proposals are kept in memory only")
		d.Sink = recorder.Nop{}
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(*cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	rec := recorder.New(factory.NewRepositories(), factory.GetTransactionManager(), d.Logger, recorder.DefaultConfig())
	if err := rec.Start(); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to start recorder: %w", err)
	}
	d.recorder = rec
	d.Sink = rec

	d.Logger.Info("persistence enabled", zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initEvents creates the in-process bus and, when configured, the NATS fan-out
func (d *Dependencies) initEvents(cfg *config.Config) error {
	d.Bus = events.NewBus(cfg.Events.BusBuffer, d.Logger)
	d.Publisher = d.Bus

	if cfg.Events.NATSURL == "" {
		return nil
	}

	nc, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, d.Logger)
	if err != nil {
		return err
	}
	d.NATS = nc
	d.Publisher = events.Multi{d.Bus, nc}

	d.Logger.Info("publishing events to NATS",
		zap.String("url", cfg.Events.NATSURL),
		zap.String("prefix", cfg.Events.SubjectPrefix))
	return nil
}

// initOrchestrator registers one remote validator per category with a URL
func (d *Dependencies) initOrchestrator(cfg *config.Config) error {
	d.Orchestrator = orchestrator.New(d.Logger, d.Metrics, orchestrator.Config{
		DefaultTimeout: cfg.Audit.ValidatorTimeout,
		HistorySize:    cfg.Audit.HistorySize,
	})

	for _, c := range cfg.Audit.Categories {
		if c.ValidatorURL == "" {
			if c.Enabled {
				d.Logger.Warn("category has no validator, its runs will fail", zap.String("category", c.Name))
			}
			continue
		}
		v := validators.NewRemoteValidator(validators.RemoteConfig{
			URL:     c.ValidatorURL,
			Token:   cfg.Audit.ValidatorToken,
			Timeout: cfg.Audit.ValidatorTimeout,
		}, d.Logger)
		if err := d.Orchestrator.RegisterValidator(c.Name, v); err != nil {
			return fmt.Errorf("category %s: %w", c.Name, err)
		}
		d.Logger.Info("validator registered",
			zap.String("category", c.Name),
			zap.Float64("weight", c.Weight),
			zap.Bool("enabled", c.Enabled))
	}
	return nil
}

func (d *Dependencies) initMapper(cfg *config.Config) error {
	if cfg.Mapper.TemplatesFile == "" {
		d.Mapper = mapper.NewMapper(mapper.DefaultTemplates()...)
		return nil
	}

	templates, err := mapper.LoadTemplates(cfg.Mapper.TemplatesFile)
	if err != nil {
		return err
	}
	d.Mapper = mapper.NewMapper(templates...)
	d.Logger.Info("upgrade templates loaded",
		zap.String("file", cfg.Mapper.TemplatesFile),
		zap.Int("count", len(templates)))
	return nil
}

// initExecutor registers the HTTP agents and builds the staged executor
func (d *Dependencies) initExecutor(ctx context.Context, cfg *config.Config) error {
	d.Backends = backends.NewRegistry(d.Metrics)

	agents := make(map[string]*httpagent.Backend, len(cfg.Executor.Backends))
	for _, b := range cfg.Executor.Backends {
		agent := httpagent.New(httpagent.Config{
			Name:         b.Name,
			BaseURL:      b.URL,
			Token:        cfg.Executor.BackendToken,
			PollInterval: cfg.Executor.BackendPoll,
			RateLimit:    cfg.Executor.BackendRateLimit,
		}, d.Logger)
		if err := d.Backends.Register(agent); err != nil {
			return fmt.Errorf("backend %s: %w", b.Name, err)
		}
		agents[b.Name] = agent
	}
	if d.Backends.Count() == 0 {
		d.Logger.Warn("no executor backends configured, approved proposals will fail to implement")
	}

	var tests executor.TestRunner = missingHarness{}
	var deployer executor.Deployer = missingHarness{}
	if agent, ok := agents[cfg.Executor.HarnessBackend]; ok {
		tests, deployer = agent, agent
	}

	tracker, err := d.newTracker(ctx, cfg.Ticketing)
	if err != nil {
		return err
	}
	d.Tracker = tracker

	routing := backends.NewCategoryRoutingPolicy(cfg.Executor.DefaultBackend, cfg.Executor.Routes)
	d.Executor = executor.New(d.Backends, routing, tests, deployer, d.Tracker, d.Publisher, d.Metrics,
		executor.Config{TicketLabels: cfg.Ticketing.Labels}, d.Logger).
		WithPreconditions(executor.AvailableResources(cfg.Executor.AvailableResources...))
	return nil
}

func (d *Dependencies) newTracker(ctx context.Context, cfg config.TicketingConfig) (ticketing.IssueTracker, error) {
	if !cfg.Enabled() {
		d.Logger.Info("issue tracker not configured, tickets disabled")
		return ticketing.NoopTracker{}, nil
	}
	tracker, err := ticketing.NewGitHubTracker(ctx, ticketing.GitHubConfig{
		Token:   cfg.Token,
		Owner:   cfg.Owner,
		Repo:    cfg.Repo,
		Labels:  cfg.Labels,
		BaseURL: cfg.BaseURL,
	}, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub tracker: %w", err)
	}
	return ticketing.NewRedactingTracker(tracker), nil
}

func (d *Dependencies) initScheduler(cfg *config.Config) error {
	if !cfg.Scheduler.Enabled {
		return nil
	}
	s, err := scheduler.New(d.Metrics, d.Logger, scheduler.Job{
		Name:     AuditJob,
		Interval: cfg.Scheduler.AuditInterval,
		Run:      d.runScheduledAudit,
	})
	if err != nil {
		return err
	}
	d.Scheduler = s
	return nil
}

func (d *Dependencies) runScheduledAudit(ctx context.Context) error {
	summary, ran, err := d.Pipeline.TryRunAudit(ctx)
	if err != nil {
		return err
	}
	if !ran {
		d.Logger.Info("scheduled audit skipped, another audit is running")
		return nil
	}
	d.Logger.Info("scheduled audit completed",
		zap.String("audit_id", summary.ID.String()),
		zap.Float64("risk_score", summary.OverallRiskScore),
		zap.Int("proposals", len(summary.ProposalIDs)))
	return nil
}

// Start launches background jobs. ctx bounds their lifetime.
func (d *Dependencies) Start(ctx context.Context) error {
	if d.Scheduler == nil {
		return nil
	}
	return d.Scheduler.Start(ctx)
}

// Close gracefully shuts down all dependencies. Running executions get
// the executor stop timeout to finish before they are cancelled.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}

	if d.Workflow != nil {
		timeout := d.Config.Executor.StopTimeout
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
			timeout = time.Until(deadline)
		}
		if err := d.Workflow.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop workflow: %w", err))
		}
	}

	if d.recorder != nil {
		if err := d.recorder.Stop(recorderStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop recorder: %w", err))
		}
	}

	if d.NATS != nil {
		if err := d.NATS.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
	}

	if d.Bus != nil {
		d.Bus.Close()
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

// closeQuietly releases what a failed NewDependencies already opened
func (d *Dependencies) closeQuietly() {
	if d.recorder != nil {
		_ = d.recorder.Stop(recorderStopTimeout)
	}
	if d.NATS != nil {
		_ = d.NATS.Close()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.RepoFactory != nil {
		_ = d.RepoFactory.Close()
	}
}

// Categories converts the configured audit categories for the orchestrator
func Categories(cfg config.AuditConfig) []orchestrator.CategoryConfig {
	out := make([]orchestrator.CategoryConfig, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		out = append(out, orchestrator.CategoryConfig{
			Category: c.Name,
			Weight:   c.Weight,
			Enabled:  c.Enabled,
			Timeout:  cfg.ValidatorTimeout,
		})
	}
	return out
}

// missingHarness fails every suite and deploy when no harness backend is configured
type missingHarness struct{}

func (missingHarness) Run(ctx context.Context, suite executor.Suite) (*executor.TestReport, error) {
	return nil, services.NewDomainError(services.ErrorTypeBackendUnavailable, "no harness backend configured", nil).
		WithDetail("suite", suite.Name)
}

func (missingHarness) Deploy(ctx context.Context, env executor.Environment, p *models.UpgradeProposal) error {
	return services.NewDomainError(services.ErrorTypeBackendUnavailable, "no harness backend configured", nil).
		WithDetail("environment", string(env))
}
