package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/upgrade-pipeline/middleware"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services/events"
	"github.com/upb/upgrade-pipeline/utils"
	"go.uber.org/zap"
)

// ApproveRequest is the optional body of POST /proposals/{id}/approve.
// Actor falls back to the X-Actor header.
type ApproveRequest struct {
	Actor string `json:"actor,omitempty"`
}

// RejectRequest is the body of POST /proposals/{id}/reject
type RejectRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason" validate:"required,max=2000"`
}

// ProposalListResponse wraps a filtered proposal listing
type ProposalListResponse struct {
	Proposals []*models.UpgradeProposal `json:"proposals"`
	Count     int                       `json:"count"`
}

// ExecutionLogResponse is the append-only step log of a proposal
type ExecutionLogResponse struct {
	ProposalID uuid.UUID              `json:"proposal_id"`
	Steps      []models.ExecutionStep `json:"steps"`
}

// PipelineService defines the pipeline operations exposed over HTTP
type PipelineService interface {
	// RunAudit runs every enabled category and creates pending proposals
	RunAudit(ctx context.Context) (*models.AuditRunSummary, error)

	// ListAudits returns retained audit summaries, newest first
	ListAudits() []*models.AuditRunSummary

	// GetAudit returns a retained audit run with its category results
	GetAudit(id uuid.UUID) (*models.AuditRun, error)

	// ListProposals lists proposals, optionally filtered by status
	ListProposals(status *models.ProposalStatus) []*models.UpgradeProposal

	GetProposal(id uuid.UUID) (*models.UpgradeProposal, error)

	// Approve moves a pending proposal to approved and queues its execution
	Approve(ctx context.Context, id uuid.UUID, actor string) (*models.UpgradeProposal, error)

	// Reject moves a pending proposal to rejected
	Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*models.UpgradeProposal, error)

	// Cancel stops a queued or running execution
	Cancel(id uuid.UUID) error

	GetExecutionLog(id uuid.UUID) ([]models.ExecutionStep, error)

	// Subscribe returns a live event stream and its unsubscribe func
	Subscribe() (<-chan events.Event, func())
}

// PipelineHandler handles audit and proposal HTTP requests
type PipelineHandler struct {
	service PipelineService
	logger  *zap.Logger
}

// NewPipelineHandler creates a new PipelineHandler
func NewPipelineHandler(service PipelineService, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		service: service,
		logger:  logger,
	}
}

// HandleRunAudit handles POST /api/v1/audits
func (h *PipelineHandler) HandleRunAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	h.logger.Debug("running audit", zap.String("request_id", requestID))

	summary, err := h.service.RunAudit(ctx)
	if err != nil {
		h.logger.Warn("audit run failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("audit run completed",
		zap.String("request_id", requestID),
		zap.String("audit_id", summary.ID.String()),
		zap.Float64("risk_score", summary.OverallRiskScore),
		zap.Int("proposals", len(summary.ProposalIDs)))

	_ = utils.WriteCreated(w, summary)
}

// HandleListAudits handles GET /api/v1/audits
func (h *PipelineHandler) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.service.ListAudits())
}

// HandleGetAudit handles GET /api/v1/audits/{id}
func (h *PipelineHandler) HandleGetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	run, err := h.service.GetAudit(id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, run)
}

// HandleListProposals handles GET /api/v1/proposals?status=
func (h *PipelineHandler) HandleListProposals(w http.ResponseWriter, r *http.Request) {
	var filter *models.ProposalStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := models.ParseProposalStatus(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, err.Error(), map[string]interface{}{"status": raw})
			return
		}
		filter = &status
	}

	proposals := h.service.ListProposals(filter)
	if proposals == nil {
		proposals = []*models.UpgradeProposal{}
	}

	_ = utils.WriteOK(w, ProposalListResponse{Proposals: proposals, Count: len(proposals)})
}

// HandleGetProposal handles GET /api/v1/proposals/{id}
func (h *PipelineHandler) HandleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	proposal, err := h.service.GetProposal(id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, proposal)
}

// HandleApprove handles POST /api/v1/proposals/{id}/approve
// Execution runs in the background; the response is the approved proposal.
func (h *PipelineHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req ApproveRequest
	if err := utils.DecodeJSON(r, &req, true); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	actor := h.actor(r, req.Actor)
	if actor == "" {
		_ = utils.WriteBadRequest(w, "actor is required", map[string]interface{}{"header": middleware.ActorHeader})
		return
	}

	proposal, err := h.service.Approve(ctx, id, actor)
	if err != nil {
		h.logger.Warn("approve failed",
			zap.String("request_id", requestID),
			zap.String("proposal_id", id.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("proposal approved",
		zap.String("request_id", requestID),
		zap.String("proposal_id", id.String()),
		zap.String("actor", actor))

	_ = utils.WriteAccepted(w, proposal)
}

// HandleReject handles POST /api/v1/proposals/{id}/reject
func (h *PipelineHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req RejectRequest
	if err := utils.DecodeJSON(r, &req, false); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	actor := h.actor(r, req.Actor)
	if actor == "" {
		_ = utils.WriteBadRequest(w, "actor is required", map[string]interface{}{"header": middleware.ActorHeader})
		return
	}

	proposal, err := h.service.Reject(ctx, id, actor, req.Reason)
	if err != nil {
		h.logger.Warn("reject failed",
			zap.String("request_id", requestID),
			zap.String("proposal_id", id.String()),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("proposal rejected",
		zap.String("request_id", requestID),
		zap.String("proposal_id", id.String()),
		zap.String("actor", actor))

	_ = utils.WriteOK(w, proposal)
}

// HandleCancel handles POST /api/v1/proposals/{id}/cancel
func (h *PipelineHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(id); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("execution cancel requested",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("proposal_id", id.String()))

	_ = utils.WriteJSON(w, http.StatusAccepted, utils.SuccessResponse{Message: "cancellation requested"})
}

// HandleExecutionLog handles GET /api/v1/proposals/{id}/execution-log
func (h *PipelineHandler) HandleExecutionLog(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	steps, err := h.service.GetExecutionLog(id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if steps == nil {
		steps = []models.ExecutionStep{}
	}

	_ = utils.WriteOK(w, ExecutionLogResponse{ProposalID: id, Steps: steps})
}

func (h *PipelineHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, "id"))
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}

// actor prefers the body value over the X-Actor header
func (h *PipelineHandler) actor(r *http.Request, fromBody string) string {
	if actor := strings.TrimSpace(fromBody); actor != "" {
		return actor
	}
	return middleware.GetActorFromContext(r.Context())
}
