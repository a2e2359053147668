package validators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services/orchestrator"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// RemoteConfig configures a RemoteValidator
type RemoteConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Headers map[string]string
}

// RemoteValidator delegates a category check to an HTTP service.
// The service receives the category config as JSON and answers with
// {"score", "findings", "recommendations"}.
type RemoteValidator struct {
	config     RemoteConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemoteValidator creates a RemoteValidator
func NewRemoteValidator(config RemoteConfig, logger *zap.Logger) *RemoteValidator {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &RemoteValidator{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type remoteRequest struct {
	Category string            `json:"category"`
	Weight   float64           `json:"weight"`
	Params   map[string]string `json:"params,omitempty"`
}

type remoteResponse struct {
	Score           float64                 `json:"score"`
	Findings        []models.Finding        `json:"findings"`
	Recommendations []models.Recommendation `json:"recommendations"`
}

// Validate implements orchestrator.CategoryValidator
func (v *RemoteValidator) Validate(ctx context.Context, cfg orchestrator.CategoryConfig) (*orchestrator.ValidationReport, error) {
	body, err := json.Marshal(remoteRequest{
		Category: cfg.Category,
		Weight:   cfg.Weight,
		Params:   cfg.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+v.config.Token)
	}
	for k, val := range v.config.Headers {
		req.Header.Set(k, val)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validator request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read validator response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.logger.Debug("validator returned error status",
			zap.String("category", cfg.Category),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("validator returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var out remoteResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode validator response: %w", err)
	}

	for i := range out.Findings {
		if out.Findings[i].Category == "" {
			out.Findings[i].Category = cfg.Category
		}
	}

	return &orchestrator.ValidationReport{
		Score:           out.Score,
		Findings:        out.Findings,
		Recommendations: out.Recommendations,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
