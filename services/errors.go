package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeInvalidState       ErrorType = "invalid_state"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeOrchestration      ErrorType = "orchestration"
	ErrorTypePipelineStep       ErrorType = "pipeline_step"
	ErrorTypeProductionDeploy   ErrorType = "production_deploy"
	ErrorTypeBackendUnavailable ErrorType = "backend_unavailable"
	ErrorTypeBackendExecution   ErrorType = "backend_execution"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeExternal           ErrorType = "external"
)

// Detail keys shared by all services so callers can render failures without logs
const (
	DetailStep       = "step"
	DetailCategory   = "category"
	DetailBackend    = "backend"
	DetailProposalID = "proposal_id"
	DetailStatus     = "status"
	DetailCancelled  = "cancelled"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never mutate these; build new errors with
// NewDomainError when details are needed.
var (
	ErrNotFound           = NewDomainError(ErrorTypeNotFound, "resource not found", nil)
	ErrInvalidInput       = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidState       = NewDomainError(ErrorTypeInvalidState, "invalid state transition", nil)
	ErrConflict           = NewDomainError(ErrorTypeConflict, "conflict", nil)
	ErrNoCategories       = NewDomainError(ErrorTypeOrchestration, "no audit categories enabled", nil)
	ErrPipelineStep       = NewDomainError(ErrorTypePipelineStep, "pipeline step failed", nil)
	ErrProductionDeploy   = NewDomainError(ErrorTypeProductionDeploy, "production deploy failed", nil)
	ErrBackendUnavailable = NewDomainError(ErrorTypeBackendUnavailable, "executor backend unavailable", nil)
	ErrBackendExecution   = NewDomainError(ErrorTypeBackendExecution, "executor backend task failed", nil)
	ErrInternal           = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// Constructors for the common shapes

// NotFound builds a not-found error for the named resource
func NotFound(resource string, id interface{}) *DomainError {
	return NewDomainError(ErrorTypeNotFound, fmt.Sprintf("%s not found: %v", resource, id), nil)
}

// InvalidState builds a workflow state error carrying the current status
func InvalidState(message string, status interface{}, err error) *DomainError {
	return NewDomainError(ErrorTypeInvalidState, message, err).WithDetail(DetailStatus, status)
}

// PipelineStepFailed builds a step error for a non-production step
func PipelineStepFailed(step interface{}, message string, err error) *DomainError {
	return NewDomainError(ErrorTypePipelineStep, message, err).WithDetail(DetailStep, step)
}

// ProductionDeployFailed builds the terminal production deploy error
func ProductionDeployFailed(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeProductionDeploy, message, err).WithDetail(DetailStep, "production_deploy")
}

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsInvalidStateError checks if an error is a workflow state error
func IsInvalidStateError(err error) bool {
	return hasType(err, ErrorTypeInvalidState)
}

// IsWorkflowStateError reports both workflow failure shapes: unknown id and wrong state
func IsWorkflowStateError(err error) bool {
	return IsInvalidStateError(err) || IsNotFoundError(err)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsOrchestrationError checks if an error is an orchestration error
func IsOrchestrationError(err error) bool {
	return hasType(err, ErrorTypeOrchestration)
}

// IsPipelineStepError checks if an error is a (non-production) pipeline step error
func IsPipelineStepError(err error) bool {
	return hasType(err, ErrorTypePipelineStep)
}

// IsProductionDeployError checks if an error is a production deploy error
func IsProductionDeployError(err error) bool {
	return hasType(err, ErrorTypeProductionDeploy)
}

// IsBackendUnavailableError checks if an error is a backend unavailable error
func IsBackendUnavailableError(err error) bool {
	return hasType(err, ErrorTypeBackendUnavailable)
}

// IsBackendExecutionError checks if an error is a backend execution error
func IsBackendExecutionError(err error) bool {
	return hasType(err, ErrorTypeBackendExecution)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// IsExternalError checks if an error is an external collaborator error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external collaborator error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
