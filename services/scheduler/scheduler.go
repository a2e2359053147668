package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/upgrade-pipeline/internal/observability"
	"go.uber.org/zap"
)

// Tick outcomes, also used as metric labels
const (
	OutcomeRan     = "ran"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

var (
	ErrAlreadyRunning = errors.New("scheduler is already running")
	ErrUnknownJob     = errors.New("unknown job")
)

// Job is a periodic trigger. Jobs sharing a Target never run at the same time.
type Job struct {
	Name     string
	Target   string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. A tick that finds a run for the
// same target still in flight is skipped, never queued.
type Scheduler struct {
	jobs    map[string]Job
	order   []string
	metrics *observability.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates the jobs and creates a stopped scheduler
func New(metrics *observability.Metrics, logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	s := &Scheduler{
		jobs:     make(map[string]Job, len(jobs)),
		metrics:  metrics,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
	for _, job := range jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("job name cannot be empty")
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", job.Name)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("job %q: interval must be positive", job.Name)
		}
		if job.Run == nil {
			return nil, fmt.Errorf("job %q: run function cannot be nil", job.Name)
		}
		if job.Target == "" {
			job.Target = job.Name
		}
		s.jobs[job.Name] = job
		s.order = append(s.order, job.Name)
	}
	return s, nil
}

// Jobs returns the job names in registration order
func (s *Scheduler) Jobs() []string {
	return append([]string(nil), s.order...)
}

// Start launches one ticker goroutine per job. The goroutines stop when ctx
// is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, job)
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))
	return nil
}

// Stop cancels all jobs and waits for their goroutines, including runs in progress
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger performs one tick of the named job synchronously.
// ran is false when the tick was skipped because its target was busy.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	job, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.tick(ctx, job)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	log := s.logger.With(zap.String("job", job.Name))
	log.Debug("job loop started", zap.Duration("interval", job.Interval))
	defer log.Debug("job loop stopped")

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.tick(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) (ran bool, err error) {
	s.mu.Lock()
	if s.inFlight[job.Target] {
		s.mu.Unlock()
		s.metrics.ObserveTick(job.Name, OutcomeSkipped)
		s.logger.Info("skipping tick, previous run still in flight",
			zap.String("job", job.Name),
			zap.String("target", job.Target))
		return false, nil
	}
	s.inFlight[job.Target] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.Target)
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("job", job.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			ran, err = true, fmt.Errorf("job %q panicked: %v", job.Name, r)
			s.metrics.ObserveTick(job.Name, OutcomeError)
		}
	}()

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.metrics.ObserveTick(job.Name, OutcomeError)
		s.logger.Error("job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return true, err
	}

	s.metrics.ObserveTick(job.Name, OutcomeRan)
	s.logger.Debug("job completed",
		zap.String("job", job.Name),
		zap.Duration("duration", time.Since(started)))
	return true, nil
}
