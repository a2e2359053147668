package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/utils"
	"go.uber.org/zap"
)

// ErrValidatorTimeout is reported when a validator does not answer in time
var ErrValidatorTimeout = errors.New("validator timed out")

// ErrNoValidator is reported when a category is enabled but nothing validates it
var ErrNoValidator = errors.New("no validator registered")

// Priority thresholds on the overall risk score
const (
	HighPriorityThreshold   = 0.7
	MediumPriorityThreshold = 0.4
)

// CategoryConfig enables and weights one audit category
type CategoryConfig struct {
	Category string            `json:"category" validate:"required"`
	Weight   float64           `json:"weight" validate:"gte=0,lte=1"`
	Enabled  bool              `json:"enabled"`
	Timeout  time.Duration     `json:"timeout,omitempty" validate:"gte=0"`
	Params   map[string]string `json:"params,omitempty"`
}

// ValidationReport is what a validator returns for one category
type ValidationReport struct {
	Score           float64                 `json:"score"`
	Findings        []models.Finding        `json:"findings"`
	Recommendations []models.Recommendation `json:"recommendations"`
}

// CategoryValidator performs one category's checks
type CategoryValidator interface {
	Validate(ctx context.Context, cfg CategoryConfig) (*ValidationReport, error)
}

// ValidatorFunc adapts a function to the CategoryValidator interface
type ValidatorFunc func(ctx context.Context, cfg CategoryConfig) (*ValidationReport, error)

// Validate calls f
func (f ValidatorFunc) Validate(ctx context.Context, cfg CategoryConfig) (*ValidationReport, error) {
	return f(ctx, cfg)
}

// Config holds configuration for the Orchestrator
type Config struct {
	DefaultTimeout time.Duration // Applied when a category has no timeout of its own
	HistorySize    int           // Number of completed runs retained
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		HistorySize:    10,
	}
}

// Orchestrator runs all enabled category validators concurrently and
// aggregates them into a single weighted risk score.
type Orchestrator struct {
	mu         sync.RWMutex
	validators map[string]CategoryValidator
	history    []*models.AuditRun // oldest first
	config     Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// New creates a new Orchestrator
func New(logger *zap.Logger, metrics *observability.Metrics, config Config) *Orchestrator {
	defaults := DefaultConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	return &Orchestrator{
		validators: make(map[string]CategoryValidator),
		config:     config,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterValidator registers the validator for a category
func (o *Orchestrator) RegisterValidator(category string, v CategoryValidator) error {
	if category == "" {
		return errors.New("category cannot be empty")
	}
	if v == nil {
		return errors.New("validator cannot be nil")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.validators[category]; exists {
		return fmt.Errorf("validator already registered for category %s", category)
	}
	o.validators[category] = v
	return nil
}

// Categories returns the categories that have a registered validator
func (o *Orchestrator) Categories() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.validators))
	for name := range o.validators {
		names = append(names, name)
	}
	return names
}

// RunAudit runs every enabled category and returns the finished run.
// It fails only when no category is enabled or the configuration is invalid;
// individual validator failures become synthetic high-risk findings.
func (o *Orchestrator) RunAudit(ctx context.Context, categories []CategoryConfig) (*models.AuditRun, error) {
	enabled, err := o.enabledCategories(categories)
	if err != nil {
		return nil, err
	}

	run := models.NewAuditRun()
	o.logger.Info("starting audit run",
		zap.String("run_id", run.ID.String()),
		zap.Int("categories", len(enabled)))

	results := make([]models.CategoryResult, len(enabled))
	var wg sync.WaitGroup
	for i, cfg := range enabled {
		wg.Add(1)
		go func(i int, cfg CategoryConfig) {
			defer wg.Done()
			results[i] = o.runCategory(ctx, run.ID, cfg)
		}(i, cfg)
	}
	wg.Wait()

	for _, res := range results {
		run.CategoryResults[res.Category] = res
	}

	score := AggregateRiskScore(results)
	priority := ClassifyPriority(score)

	if ctx.Err() != nil {
		// The caller gave up while validators were running; keep the record anyway.
		run.Fail(score, priority)
		o.logger.Warn("audit run abandoned by caller",
			zap.String("run_id", run.ID.String()),
			zap.Error(ctx.Err()))
	} else {
		run.Complete(score, priority)
	}

	o.remember(run)
	o.metrics.ObserveAuditRun(string(run.Status), score)

	o.logger.Info("audit run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Float64("overall_risk_score", score),
		zap.String("priority", string(priority)))

	return run.Clone(), nil
}

// enabledCategories filters and validates the category configuration
func (o *Orchestrator) enabledCategories(categories []CategoryConfig) ([]CategoryConfig, error) {
	seen := make(map[string]bool, len(categories))
	var enabled []CategoryConfig

	for _, cfg := range categories {
		if !cfg.Enabled {
			continue
		}
		if err := utils.ValidateStruct(&cfg); err != nil {
			return nil, services.NewDomainError(services.ErrorTypeOrchestration, "invalid category configuration", err).
				WithDetail(services.DetailCategory, cfg.Category)
		}
		if seen[cfg.Category] {
			return nil, services.NewDomainError(services.ErrorTypeOrchestration, "duplicate category configuration", nil).
				WithDetail(services.DetailCategory, cfg.Category)
		}
		seen[cfg.Category] = true
		enabled = append(enabled, cfg)
	}

	if len(enabled) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeOrchestration, "no audit categories enabled", nil)
	}
	return enabled, nil
}

// runCategory invokes one validator and never fails: errors, panics and
// timeouts are converted into a synthetic result.
func (o *Orchestrator) runCategory(ctx context.Context, runID uuid.UUID, cfg CategoryConfig) models.CategoryResult {
	start := time.Now()

	o.mu.RLock()
	v, ok := o.validators[cfg.Category]
	o.mu.RUnlock()

	var (
		report *ValidationReport
		err    error
	)
	if !ok {
		err = ErrNoValidator
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = o.config.DefaultTimeout
		}
		// Validators are not cancelled by the caller, only by their own timeout.
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		report, err = invoke(vctx, v, cfg)
		cancel()
	}

	var res models.CategoryResult
	if err == nil {
		res, err = toResult(cfg, report)
	}
	if err != nil {
		o.logger.Warn("category validator failed",
			zap.String("run_id", runID.String()),
			zap.String("category", cfg.Category),
			zap.Error(err))
		res = errorResult(cfg, err)
	}

	res.Duration = time.Since(start)
	o.metrics.ObserveCategory(cfg.Category, res.Duration, res.Failed())
	return res
}

type invokeResult struct {
	report *ValidationReport
	err    error
}

// invoke runs the validator in its own goroutine so a validator that ignores
// its context still cannot hold the run past the timeout.
func invoke(ctx context.Context, v CategoryValidator, cfg CategoryConfig) (*ValidationReport, error) {
	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: fmt.Errorf("validator panicked: %v", p)}
			}
		}()
		report, err := v.Validate(ctx, cfg)
		done <- invokeResult{report: report, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && ctx.Err() != nil {
			return nil, ErrValidatorTimeout
		}
		return r.report, r.err
	case <-ctx.Done():
		return nil, ErrValidatorTimeout
	}
}

// toResult normalizes a validator report
func toResult(cfg CategoryConfig, report *ValidationReport) (models.CategoryResult, error) {
	if report == nil {
		return models.CategoryResult{}, errors.New("validator returned no report")
	}
	if math.IsNaN(report.Score) {
		return models.CategoryResult{}, errors.New("validator returned NaN score")
	}

	findings := make([]models.Finding, 0, len(report.Findings))
	for _, f := range report.Findings {
		if f.Category == "" {
			f.Category = cfg.Category
		}
		if !f.Severity.IsValid() {
			f.Severity = models.SeverityMedium
		}
		findings = append(findings, f)
	}

	recs := make([]models.Recommendation, 0, len(report.Recommendations))
	for _, r := range report.Recommendations {
		if r.Category == "" {
			r.Category = cfg.Category
		}
		recs = append(recs, r)
	}

	return models.CategoryResult{
		Category:        cfg.Category,
		Weight:          cfg.Weight,
		Score:           clamp(report.Score),
		Findings:        findings,
		Recommendations: recs,
	}, nil
}

// errorResult builds the synthetic maximum-risk result for a failed category
func errorResult(cfg CategoryConfig, err error) models.CategoryResult {
	return models.CategoryResult{
		Category: cfg.Category,
		Weight:   cfg.Weight,
		Score:    1.0,
		Findings: []models.Finding{
			{
				Category:    cfg.Category,
				Title:       "Audit Error: " + cfg.Category,
				Severity:    models.SeverityHigh,
				Description: err.Error(),
				Impact:      "The category could not be assessed and is treated as maximum risk",
			},
		},
		Recommendations: []models.Recommendation{},
		Error:           err.Error(),
	}
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// AggregateRiskScore computes Σ(score·weight)/Σ(weight). A zero total weight yields 0.
func AggregateRiskScore(results []models.CategoryResult) float64 {
	var weighted, total float64
	for _, r := range results {
		if r.Weight <= 0 {
			continue
		}
		weighted += r.Score * r.Weight
		total += r.Weight
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// ClassifyPriority maps a risk score onto a priority: >0.7 high, >0.4 medium, else low
func ClassifyPriority(score float64) models.Priority {
	switch {
	case score > HighPriorityThreshold:
		return models.PriorityHigh
	case score > MediumPriorityThreshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// remember appends the run to the bounded history, evicting the oldest
func (o *Orchestrator) remember(run *models.AuditRun) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, run.Clone())
	if over := len(o.history) - o.config.HistorySize; over > 0 {
		o.history = append([]*models.AuditRun(nil), o.history[over:]...)
	}
}

// History returns copies of the retained runs, newest first
func (o *Orchestrator) History() []*models.AuditRun {
	o.mu.RLock()
	defer o.mu.RUnlock()

	runs := make([]*models.AuditRun, 0, len(o.history))
	for i := len(o.history) - 1; i >= 0; i-- {
		runs = append(runs, o.history[i].Clone())
	}
	return runs
}

// Get returns a retained run by ID
func (o *Orchestrator) Get(id uuid.UUID) (*models.AuditRun, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, run := range o.history {
		if run.ID == id {
			return run.Clone(), nil
		}
	}
	return nil, services.NotFound("audit run", id)
}
