// Package errors provides unified error handling for the lab controller.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

const (
	// Validation errors (1xxx)
	ErrCodeInvalidInput     ErrorCode = "VAL_1001"
	ErrCodeMissingParameter ErrorCode = "VAL_1002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_1003"
	ErrCodeOutOfRange       ErrorCode = "VAL_1004"
	ErrCodeInvalidPayload   ErrorCode = "VAL_1005"

	// Resource errors (2xxx)
	ErrCodeNotFound      ErrorCode = "RES_2001"
	ErrCodeAlreadyExists ErrorCode = "RES_2002"
	ErrCodeConflict      ErrorCode = "RES_2003"

	// Desired-state / job admission errors (3xxx)
	ErrCodeConflictDesiredState ErrorCode = "ADM_3001"
	ErrCodeConflictJob          ErrorCode = "ADM_3002"
	ErrCodeReservationConflict  ErrorCode = "ADM_3003"

	// Agent transport/application errors (4xxx)
	ErrCodeAgentUnavailable ErrorCode = "AGT_4001"
	ErrCodeAgentJobFailed   ErrorCode = "AGT_4002"

	// Service/infrastructure errors (5xxx)
	ErrCodeInternal          ErrorCode = "SVC_5001"
	ErrCodeDatabaseError     ErrorCode = "SVC_5002"
	ErrCodeDBLockTimeout     ErrorCode = "SVC_5003"
	ErrCodeTimeout           ErrorCode = "SVC_5004"
	ErrCodeRateLimitExceeded ErrorCode = "SVC_5005"
	ErrCodeResourcePressure  ErrorCode = "SVC_5006"
	ErrCodeCircuitOpen       ErrorCode = "SVC_5007"

	// Broadcast errors (6xxx) - logged, never surfaced as an HTTP failure
	ErrCodeBroadcastBackpressure ErrorCode = "BCAST_6001"
)

// ServiceError represents a structured error with code, message, and HTTP status
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a ServiceError
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "Invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "Missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "Invalid format", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "Value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// InvalidPayload marks a malformed inbound message (e.g. a WebSocket frame)
// that should be ignored rather than surfaced to a caller.
func InvalidPayload(source, reason string) *ServiceError {
	return New(ErrCodeInvalidPayload, "Invalid payload", http.StatusBadRequest).
		WithDetails("source", source).
		WithDetails("reason", reason)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "Resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func AlreadyExists(resource, id string) *ServiceError {
	return New(ErrCodeAlreadyExists, "Resource already exists", http.StatusConflict).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Desired-state / job admission errors

// ConflictDesiredState reports that a requested desired-state transition is
// not admissible given the node's current desired state (e.g. destroy on an
// already-destroyed node, or a non-monotonic boot generation).
func ConflictDesiredState(nodeID, reason string) *ServiceError {
	return New(ErrCodeConflictDesiredState, "Desired state transition rejected", http.StatusConflict).
		WithDetails("node_id", nodeID).
		WithDetails("reason", reason)
}

// ConflictJob reports that a job could not be admitted because it conflicts
// with an already-active job for the same target.
func ConflictJob(targetID, conflictingJobID string) *ServiceError {
	return New(ErrCodeConflictJob, "Job conflicts with an active job", http.StatusConflict).
		WithDetails("target_id", targetID).
		WithDetails("conflicting_job_id", conflictingJobID)
}

// ReservationConflict names the links already holding the contended
// endpoint(s) so the caller can decide whether to retry.
func ReservationConflict(message string, conflictingLinkIDs []string) *ServiceError {
	return New(ErrCodeReservationConflict, message, http.StatusConflict).
		WithDetails("conflicting_link_ids", conflictingLinkIDs)
}

// Agent transport/application errors

// AgentUnavailable marks a transport-level failure talking to an agent
// (connection refused, timeout, non-2xx from a health probe). Callers retry
// with backoff and eventually mark the agent offline.
func AgentUnavailable(agentID string, err error) *ServiceError {
	return Wrap(ErrCodeAgentUnavailable, "Agent unavailable", http.StatusServiceUnavailable, err).
		WithDetails("agent_id", agentID)
}

// AgentJobFailed marks an application-level failure reported by the agent
// itself (the RPC succeeded but the requested operation did not). Not
// retried automatically; the caller classifies the failure.
func AgentJobFailed(agentID, jobID, reason string) *ServiceError {
	return New(ErrCodeAgentJobFailed, "Agent job failed", http.StatusUnprocessableEntity).
		WithDetails("agent_id", agentID).
		WithDetails("job_id", jobID).
		WithDetails("reason", reason)
}

// Service/infrastructure errors

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "Database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// DBLockTimeout marks a row-lock wait that exceeded its budget. Callers
// either retry the transaction once or, for SKIP LOCKED style reads, simply
// skip the row this cycle.
func DBLockTimeout(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDBLockTimeout, "Database lock timeout", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "Operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// ResourcePressure marks disk, memory, or DB-pool exhaustion. Non-essential
// work degrades gracefully; this is never allowed to crash a process.
func ResourcePressure(resource string, usedPct float64) *ServiceError {
	return New(ErrCodeResourcePressure, "Resource pressure detected", http.StatusServiceUnavailable).
		WithDetails("resource", resource).
		WithDetails("used_pct", usedPct)
}

// CircuitOpen marks a handler skipping its cycle because its circuit
// breaker is open.
func CircuitOpen(handler string) *ServiceError {
	return New(ErrCodeCircuitOpen, "Circuit breaker open", http.StatusServiceUnavailable).
		WithDetails("handler", handler)
}

// Broadcast errors

// BroadcastBackpressure marks a dropped event for a single slow subscriber.
// It is logged, not surfaced to any caller, and never affects other
// subscribers.
func BroadcastBackpressure(subscriberID string) *ServiceError {
	return New(ErrCodeBroadcastBackpressure, "Subscriber backpressure, event dropped", http.StatusOK).
		WithDetails("subscriber_id", subscriberID)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
