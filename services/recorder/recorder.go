package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/repositories"
	"go.uber.org/zap"
)

// Sink receives records for the external store. Implementations must not block.
type Sink interface {
	RecordAuditRun(run *models.AuditRun)
	RecordProposal(proposal *models.UpgradeProposal)
	RecordExecution(proposal *models.UpgradeProposal, result *models.ExecutionResult)
}

// Nop discards every record. Used when no database is configured.
type Nop struct{}

func (Nop) RecordAuditRun(*models.AuditRun) {}

func (Nop) RecordProposal(*models.UpgradeProposal) {}

func (Nop) RecordExecution(*models.UpgradeProposal, *models.ExecutionResult) {}

var (
	ErrNotStarted     = errors.New("recorder not started")
	ErrAlreadyStarted = errors.New("recorder already started")
)

type recordKind string

const (
	kindAuditRun  recordKind = "audit_run"
	kindProposal  recordKind = "proposal"
	kindExecution recordKind = "execution"
)

type record struct {
	kind     recordKind
	run      *models.AuditRun
	proposal *models.UpgradeProposal
	result   *models.ExecutionResult
}

func (r *record) subject() string {
	switch r.kind {
	case kindAuditRun:
		return r.run.ID.String()
	default:
		return r.proposal.ID.String()
	}
}

// Config holds configuration for the Recorder
type Config struct {
	BufferSize   int
	WorkerCount  int
	WriteTimeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder hands records to the repositories on background workers.
// Record calls never block the pipeline; when the buffer is full the record is dropped.
type Recorder struct {
	repos  *repositories.Repositories
	tx     repositories.TransactionManager
	logger *zap.Logger
	config Config

	records chan *record
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	dropped int
}

// New creates a Recorder
func New(repos *repositories.Repositories, tx repositories.TransactionManager, logger *zap.Logger, config Config) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultConfig().WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Recorder{
		repos:   repos,
		tx:      tx,
		logger:  logger,
		config:  config,
		records: make(chan *record, config.BufferSize),
	}
}

// Start starts the background workers
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.started = true
	r.logger.Info("started recorder",
		zap.Int("worker_count", r.config.WorkerCount),
		zap.Int("buffer_size", r.config.BufferSize))
	return nil
}

// Stop stops accepting records and waits for queued ones to be written
func (r *Recorder) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.stopped = true
	close(r.records)
	r.mu.Unlock()

	r.logger.Info("stopping recorder", zap.Int("pending_records", len(r.records)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("recorder stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("recorder stop timeout after %v", timeout)
	}
}

// RecordAuditRun implements Sink
func (r *Recorder) RecordAuditRun(run *models.AuditRun) {
	r.enqueue(&record{kind: kindAuditRun, run: run.Clone()})
}

// RecordProposal implements Sink
func (r *Recorder) RecordProposal(proposal *models.UpgradeProposal) {
	r.enqueue(&record{kind: kindProposal, proposal: proposal.Clone()})
}

// RecordExecution implements Sink
func (r *Recorder) RecordExecution(proposal *models.UpgradeProposal, result *models.ExecutionResult) {
	res := *result
	res.Steps = append([]models.ExecutionStep(nil), result.Steps...)
	r.enqueue(&record{kind: kindExecution, proposal: proposal.Clone(), result: &res})
}

// Dropped returns how many records were discarded
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		r.dropped++
		r.logger.Warn("recorder not running, dropping record",
			zap.String("kind", string(rec.kind)),
			zap.String("id", rec.subject()))
		return
	}

	select {
	case r.records <- rec:
	default:
		r.dropped++
		r.logger.Warn("recorder buffer full, dropping record",
			zap.String("kind", string(rec.kind)),
			zap.String("id", rec.subject()))
	}
}

func (r *Recorder) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("recorder worker started", zap.Int("worker_id", id))

	for rec := range r.records {
		if err := r.write(rec); err != nil {
			r.logger.Error("failed to write record",
				zap.Int("worker_id", id),
				zap.String("kind", string(rec.kind)),
				zap.String("id", rec.subject()),
				zap.Error(err))
		}
	}

	r.logger.Debug("recorder worker stopped", zap.Int("worker_id", id))
}

func (r *Recorder) write(rec *record) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	switch rec.kind {
	case kindAuditRun:
		return r.repos.AuditRuns.Save(ctx, rec.run)
	case kindProposal:
		return r.repos.Proposals.Upsert(ctx, rec.proposal)
	case kindExecution:
		return r.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
			if err := r.repos.Proposals.Upsert(ctx, rec.proposal); err != nil {
				return err
			}
			return r.repos.ExecutionSteps.Append(ctx, rec.proposal.ID, rec.result.Steps...)
		})
	}
	return fmt.Errorf("unknown record kind %q", rec.kind)
}
