package handlers

import (
	"net/http"

	"github.com/upb/upgrade-pipeline/services"
	"github.com/upb/upgrade-pipeline/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}
	errType := services.GetErrorType(err)

	var status int
	switch {
	case services.IsNotFoundError(err):
		status = http.StatusNotFound

	case services.IsValidationError(err):
		status = http.StatusBadRequest

	case services.IsInvalidStateError(err), services.IsConflictError(err):
		status = http.StatusConflict

	case services.IsOrchestrationError(err):
		status = http.StatusUnprocessableEntity

	case services.IsPipelineStepError(err), services.IsProductionDeployError(err):
		// Step failures keep their details so a UI can show the failed step
		status = http.StatusInternalServerError
		logger.Error("upgrade pipeline failed", zap.Error(err), zap.Any("details", details))

	case services.IsBackendUnavailableError(err), services.IsBackendExecutionError(err), services.IsExternalError(err):
		status = http.StatusBadGateway
		logger.Warn("upstream failure", zap.Error(err))

	case services.IsInternalError(err):
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		if err := utils.WriteInternalServerError(w, "An internal error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return

	default:
		// Unknown error type - log and return internal error
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		if err := utils.WriteInternalServerError(w, "An unexpected error occurred"); err != nil {
			logger.Error("failed to write internal error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteJSON(w, status, utils.ErrorResponse{
		Error:   string(errType),
		Message: err.Error(),
		Details: details,
	}); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}

	logger.Debug("handled service error",
		zap.String("type", string(errType)),
		zap.Int("status", status),
		zap.Any("details", details))
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
