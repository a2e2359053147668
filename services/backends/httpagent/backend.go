package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/upb/upgrade-pipeline/services/backends"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultRateLimit    = 5.0
	defaultBurst        = 5
)

// Task states reported by an agent
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Config configures an HTTP agent backend
type Config struct {
	Name         string
	BaseURL      string
	Token        string
	Timeout      time.Duration // per request
	PollInterval time.Duration
	RateLimit    float64 // requests per second
	Burst        int
}

// Backend talks to a remote capability provider over HTTP:
// POST {base}/tasks submits a task, GET {base}/tasks/{id} reports its state.
type Backend struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates an HTTP agent backend
func New(config Config, logger *zap.Logger) *Backend {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst <= 0 {
		config.Burst = defaultBurst
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Backend{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		logger:     logger.With(zap.String("backend", config.Name)),
	}
}

// Name returns the backend name
func (b *Backend) Name() string {
	return b.config.Name
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	ChangesApplied    []string `json:"changes_applied"`
	DurationEstimateS float64  `json:"duration_estimate_seconds"`
	Message           string   `json:"message"`
}

// SubmitTask posts the task to the agent
func (b *Backend) SubmitTask(ctx context.Context, task *backends.ImplementationTask) (backends.TaskHandle, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return backends.TaskHandle{}, fmt.Errorf("failed to marshal task: %w", err)
	}

	var out submitResponse
	if err := b.do(ctx, http.MethodPost, "/tasks", body, &out); err != nil {
		return backends.TaskHandle{}, err
	}
	if out.ID == "" {
		return backends.TaskHandle{}, fmt.Errorf("agent returned empty task id")
	}

	b.logger.Debug("task submitted",
		zap.String("task_id", out.ID),
		zap.String("proposal_id", task.ProposalID.String()))

	return backends.TaskHandle{Backend: b.config.Name, ID: out.ID}, nil
}

// AwaitResult polls the agent until the task reaches a final state
func (b *Backend) AwaitResult(ctx context.Context, handle backends.TaskHandle) (*backends.BackendResult, error) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		var status statusResponse
		if err := b.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(handle.ID), nil, &status); err != nil {
			return nil, err
		}

		switch status.Status {
		case StatusSucceeded, StatusFailed:
			return &backends.BackendResult{
				Success:          status.Status == StatusSucceeded,
				ChangesApplied:   status.ChangesApplied,
				DurationEstimate: time.Duration(status.DurationEstimateS * float64(time.Second)),
				Message:          status.Message,
			}, nil
		case StatusQueued, StatusRunning, "":
		default:
			return nil, fmt.Errorf("agent reported unknown task status %q", status.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Backend) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.Token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}
