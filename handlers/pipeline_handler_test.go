package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/upgrade-pipeline/middleware"
	"github.com/upb/upgrade-pipeline/models"
	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/services/events"
	"go.uber.org/zap"
)

// MockPipelineService is a mock implementation of PipelineService
type MockPipelineService struct {
	mock.Mock
}

func (m *MockPipelineService) RunAudit(ctx context.Context) (*models.AuditRunSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditRunSummary), args.Error(1)
}

func (m *MockPipelineService) ListAudits() []*models.AuditRunSummary {
	args := m.Called()
	return args.Get(0).([]*models.AuditRunSummary)
}

func (m *MockPipelineService) GetAudit(id uuid.UUID) (*models.AuditRun, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuditRun), args.Error(1)
}

func (m *MockPipelineService) ListProposals(status *models.ProposalStatus) []*models.UpgradeProposal {
	args := m.Called(status)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*models.UpgradeProposal)
}

func (m *MockPipelineService) GetProposal(id uuid.UUID) (*models.UpgradeProposal, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpgradeProposal), args.Error(1)
}

func (m *MockPipelineService) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.UpgradeProposal, error) {
	args := m.Called(ctx, id, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpgradeProposal), args.Error(1)
}

func (m *MockPipelineService) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*models.UpgradeProposal, error) {
	args := m.Called(ctx, id, actor, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UpgradeProposal), args.Error(1)
}

func (m *MockPipelineService) Cancel(id uuid.UUID) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockPipelineService) GetExecutionLog(id uuid.UUID) ([]models.ExecutionStep, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ExecutionStep), args.Error(1)
}

func (m *MockPipelineService) Subscribe() (<-chan events.Event, func()) {
	args := m.Called()
	return args.Get(0).(<-chan events.Event), args.Get(1).(func())
}

// withID attaches a chi route context carrying the {id} parameter
func withID(req *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	data, ok := response["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %v", response)
	return data
}

func pendingProposal() *models.UpgradeProposal {
	ref := models.FindingRef{Category: "security", Title: "Weak TLS"}
	return models.NewUpgradeProposal(ref, "Harden TLS", "Disable TLS 1.0", models.PriorityHigh)
}

func TestHandleRunAudit(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful run", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		summary := &models.AuditRunSummary{
			ID:               uuid.New(),
			Status:           models.RunStatusCompleted,
			OverallRiskScore: 0.56,
			Priority:         models.PriorityMedium,
			ProposalIDs:      []uuid.UUID{uuid.New()},
		}
		svc.On("RunAudit", mock.Anything).Return(summary, nil)

		w := httptest.NewRecorder()
		handler.HandleRunAudit(w, httptest.NewRequest(http.MethodPost, "/api/v1/audits", nil))

		assert.Equal(t, http.StatusCreated, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, summary.ID.String(), data["id"])
		assert.Equal(t, 0.56, data["overall_risk_score"])
		assert.Len(t, data["proposal_ids"], 1)

		svc.AssertExpectations(t)
	})

	t.Run("audit already running", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		svc.On("RunAudit", mock.Anything).Return(nil, services.NewDomainError(services.ErrorTypeConflict, "audit already running", nil))

		w := httptest.NewRecorder()
		handler.HandleRunAudit(w, httptest.NewRequest(http.MethodPost, "/api/v1/audits", nil))

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("no categories enabled", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		svc.On("RunAudit", mock.Anything).Return(nil, services.ErrNoCategories)

		w := httptest.NewRecorder()
		handler.HandleRunAudit(w, httptest.NewRequest(http.MethodPost, "/api/v1/audits", nil))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestHandleGetAudit(t *testing.T) {
	logger := zap.NewNop()

	t.Run("found", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("GetAudit", id).Return(&models.AuditRun{ID: id, Status: models.RunStatusCompleted}, nil)

		w := httptest.NewRecorder()
		handler.HandleGetAudit(w, withID(httptest.NewRequest(http.MethodGet, "/api/v1/audits/"+id.String(), nil), id.String()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, id.String(), decodeData(t, w)["id"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("GetAudit", id).Return(nil, services.NotFound("audit run", id))

		w := httptest.NewRecorder()
		handler.HandleGetAudit(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), id.String()))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		w := httptest.NewRecorder()
		handler.HandleGetAudit(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), "not-a-uuid"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "GetAudit", mock.Anything)
	})
}

func TestHandleListAudits(t *testing.T) {
	svc := new(MockPipelineService)
	handler := NewPipelineHandler(svc, zap.NewNop())

	svc.On("ListAudits").Return([]*models.AuditRunSummary{{ID: uuid.New()}, {ID: uuid.New()}})

	w := httptest.NewRecorder()
	handler.HandleListAudits(w, httptest.NewRequest(http.MethodGet, "/api/v1/audits", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Len(t, response["data"], 2)
}

func TestHandleListProposals(t *testing.T) {
	logger := zap.NewNop()

	t.Run("status filter", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		svc.On("ListProposals", mock.MatchedBy(func(s *models.ProposalStatus) bool {
			return s != nil && *s == models.ProposalStatusPending
		})).Return([]*models.UpgradeProposal{pendingProposal()})

		w := httptest.NewRecorder()
		handler.HandleListProposals(w, httptest.NewRequest(http.MethodGet, "/api/v1/proposals?status=pending", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, float64(1), data["count"])
		svc.AssertExpectations(t)
	})

	t.Run("no filter returns empty list", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		svc.On("ListProposals", (*models.ProposalStatus)(nil)).Return(nil)

		w := httptest.NewRecorder()
		handler.HandleListProposals(w, httptest.NewRequest(http.MethodGet, "/api/v1/proposals", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, float64(0), data["count"])
		assert.Equal(t, []interface{}{}, data["proposals"])
	})

	t.Run("unknown status", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		w := httptest.NewRecorder()
		handler.HandleListProposals(w, httptest.NewRequest(http.MethodGet, "/api/v1/proposals?status=shipped", nil))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "ListProposals", mock.Anything)
	})
}

func TestHandleApprove(t *testing.T) {
	logger := zap.NewNop()

	t.Run("actor from header", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		p := pendingProposal()
		approved := *p
		approved.Status = models.ProposalStatusApproved
		approved.DecidedBy = "alice"
		svc.On("Approve", mock.Anything, p.ID, "alice").Return(&approved, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/proposals/"+p.ID.String()+"/approve", nil)
		req = req.WithContext(middleware.WithActor(req.Context(), "alice"))
		w := httptest.NewRecorder()

		handler.HandleApprove(w, withID(req, p.ID.String()))

		assert.Equal(t, http.StatusAccepted, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "approved", data["status"])
		assert.Equal(t, "alice", data["decided_by"])
		svc.AssertExpectations(t)
	})

	t.Run("actor from body wins over header", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		p := pendingProposal()
		svc.On("Approve", mock.Anything, p.ID, "carol").Return(p, nil)

		body, _ := json.Marshal(ApproveRequest{Actor: "carol"})
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
		req = req.WithContext(middleware.WithActor(req.Context(), "alice"))
		w := httptest.NewRecorder()

		handler.HandleApprove(w, withID(req, p.ID.String()))

		assert.Equal(t, http.StatusAccepted, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("missing actor", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		w := httptest.NewRecorder()
		handler.HandleApprove(w, withID(httptest.NewRequest(http.MethodPost, "/", nil), uuid.NewString()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("proposal not pending", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("Approve", mock.Anything, id, "alice").
			Return(nil, services.InvalidState("proposal is not pending", models.ProposalStatusRejected, nil))

		body, _ := json.Marshal(ApproveRequest{Actor: "alice"})
		w := httptest.NewRecorder()
		handler.HandleApprove(w, withID(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)), id.String()))

		assert.Equal(t, http.StatusConflict, w.Code)
		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "invalid_state", response["error"])
		details := response["details"].(map[string]interface{})
		assert.Equal(t, "rejected", details["status"])
	})

	t.Run("unknown field in body", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"approver":"x"}`)))
		handler.HandleApprove(w, withID(req, uuid.NewString()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleReject(t *testing.T) {
	logger := zap.NewNop()

	t.Run("successful rejection", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		p := pendingProposal()
		rejected := *p
		rejected.Status = models.ProposalStatusRejected
		svc.On("Reject", mock.Anything, p.ID, "bob", "not this quarter").Return(&rejected, nil)

		body, _ := json.Marshal(RejectRequest{Actor: "bob", Reason: "not this quarter"})
		w := httptest.NewRecorder()
		handler.HandleReject(w, withID(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)), p.ID.String()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "rejected", decodeData(t, w)["status"])
		svc.AssertExpectations(t)
	})

	t.Run("reason is required", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		body, _ := json.Marshal(RejectRequest{Actor: "bob"})
		w := httptest.NewRecorder()
		handler.HandleReject(w, withID(httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)), uuid.NewString()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response map[string]interface{}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Contains(t, response["details"], "Reason")
	})

	t.Run("empty body", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		w := httptest.NewRecorder()
		handler.HandleReject(w, withID(httptest.NewRequest(http.MethodPost, "/", nil), uuid.NewString()))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		svc.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHandleCancel(t *testing.T) {
	logger := zap.NewNop()

	t.Run("accepted", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("Cancel", id).Return(nil)

		w := httptest.NewRecorder()
		handler.HandleCancel(w, withID(httptest.NewRequest(http.MethodPost, "/", nil), id.String()))

		assert.Equal(t, http.StatusAccepted, w.Code)
		svc.AssertExpectations(t)
	})

	t.Run("nothing running", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("Cancel", id).Return(services.InvalidState("proposal has no running execution", models.ProposalStatusPending, nil))

		w := httptest.NewRecorder()
		handler.HandleCancel(w, withID(httptest.NewRequest(http.MethodPost, "/", nil), id.String()))

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestHandleExecutionLog(t *testing.T) {
	logger := zap.NewNop()

	t.Run("steps in order", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		now := time.Now()
		steps := []models.ExecutionStep{
			{Name: models.StepValidate, Success: true, StartedAt: now, FinishedAt: now},
			{Name: models.StepImplement, Success: true, StartedAt: now, FinishedAt: now},
			{Name: models.StepTest, Success: false, Detail: "tls_handshake_test failed", StartedAt: now, FinishedAt: now},
		}
		svc.On("GetExecutionLog", id).Return(steps, nil)

		w := httptest.NewRecorder()
		handler.HandleExecutionLog(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), id.String()))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, id.String(), data["proposal_id"])
		got := data["steps"].([]interface{})
		require.Len(t, got, 3)
		assert.Equal(t, "test", got[2].(map[string]interface{})["name"])
		assert.Equal(t, false, got[2].(map[string]interface{})["success"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("GetExecutionLog", id).Return(nil, services.NotFound("proposal", id))

		w := httptest.NewRecorder()
		handler.HandleExecutionLog(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), id.String()))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unexpected error", func(t *testing.T) {
		svc := new(MockPipelineService)
		handler := NewPipelineHandler(svc, logger)

		id := uuid.New()
		svc.On("GetExecutionLog", id).Return(nil, errors.New("boom"))

		w := httptest.NewRecorder()
		handler.HandleExecutionLog(w, withID(httptest.NewRequest(http.MethodGet, "/", nil), id.String()))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
