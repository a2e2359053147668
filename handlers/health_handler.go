package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/upb/upgrade-pipeline/utils"
	"go.uber.org/zap"
)

// Check statuses reported by the readiness endpoint
const (
	CheckHealthy   = "healthy"
	CheckUnhealthy = "unhealthy"
	CheckDisabled  = "disabled"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Checker reports whether a dependency is usable. A nil Checker is reported as disabled.
type Checker func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	checkers map[string]Checker
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db may be nil when persistence is off.
func NewHealthHandler(db *sql.DB, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		checkers: make(map[string]Checker),
		logger:   logger,
	}
}

// WithCheck registers an additional readiness check
func (h *HealthHandler) WithCheck(name string, check Checker) *HealthHandler {
	h.checkers[name] = check
	return h
}

// HandleHealth handles GET /healthz
// Liveness only: 200 while the process serves requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    CheckHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checkers)+1)
	allHealthy := true

	if h.db == nil {
		checks["database"] = CheckDisabled
	} else if err := h.checkDatabase(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = CheckUnhealthy
		allHealthy = false
	} else {
		checks["database"] = CheckHealthy
	}

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := h.checkers[name]
		if check == nil {
			checks[name] = CheckDisabled
			continue
		}
		if err := check(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = CheckUnhealthy
			allHealthy = false
			continue
		}
		checks[name] = CheckHealthy
	}

	status := CheckHealthy
	httpStatus := http.StatusOK
	if !allHealthy {
		status = CheckUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// checkDatabase checks database connectivity
func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	var result int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return err
	}

	return nil
}
