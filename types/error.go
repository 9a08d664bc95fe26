package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Orchestration error codes
const (
	ErrTaskLocked           ErrorCode = "TASK_LOCKED"
	ErrDelegationNotAllowed ErrorCode = "DELEGATION_NOT_ALLOWED"
	ErrInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	ErrRunInterrupted       ErrorCode = "RUN_INTERRUPTED"
	ErrPersistence          ErrorCode = "PERSISTENCE"
	ErrReasoningFailed      ErrorCode = "REASONING_FAILED"
	ErrCompactionFailed     ErrorCode = "COMPACTION_FAILED"
	ErrConfirmationTimeout  ErrorCode = "CONFIRMATION_TIMEOUT"
	ErrConfirmationDenied   ErrorCode = "CONFIRMATION_DENIED"
	ErrConfirmationNotFound ErrorCode = "CONFIRMATION_NOT_FOUND"
	ErrHILAlreadyPending    ErrorCode = "HIL_ALREADY_PENDING"
	ErrHILAlreadyResponded  ErrorCode = "HIL_ALREADY_RESPONDED"
	ErrHILNotFound          ErrorCode = "HIL_NOT_FOUND"
	ErrHILExpired           ErrorCode = "HIL_EXPIRED"
	ErrToolExecution        ErrorCode = "TOOL_EXECUTION"
	ErrToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	ErrToolNotPermitted     ErrorCode = "TOOL_NOT_PERMITTED"
	ErrAgentNotFound        ErrorCode = "AGENT_NOT_FOUND"
	ErrMaxTurnsExceeded     ErrorCode = "MAX_TURNS_EXCEEDED"
	ErrNoActionableDecision ErrorCode = "NO_ACTIONABLE_DECISION"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so errors.Is works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// IsFatal reports whether err must abort the whole orchestration run.
// Only lock contention and persistence failures qualify; everything else
// stays inside the affected node.
func IsFatal(err error) bool {
	switch GetErrorCode(err) {
	case ErrTaskLocked, ErrPersistence:
		return true
	default:
		return false
	}
}

// =============================================================================
// Taxonomy constructors
// =============================================================================

// NewTaskLockedError reports that another run holds the single-writer lock.
func NewTaskLockedError(taskID string) *Error {
	return NewError(ErrTaskLocked, fmt.Sprintf("task %q is locked by another run", taskID)).
		WithHTTPStatus(http.StatusConflict)
}

// NewDelegationNotAllowedError reports a delegation outside the declared scope.
func NewDelegationNotAllowedError(from, to, reason string) *Error {
	return NewError(ErrDelegationNotAllowed,
		fmt.Sprintf("agent %q may not delegate to %q: %s", from, to, reason)).
		WithHTTPStatus(http.StatusForbidden)
}

// NewConfirmationTimeoutError reports an unanswered confirmation request.
func NewConfirmationTimeoutError(confirmID string) *Error {
	return NewError(ErrConfirmationTimeout, fmt.Sprintf("confirmation %s timed out", confirmID))
}

// NewConfirmationDeniedError reports an explicit denial.
func NewConfirmationDeniedError(confirmID string) *Error {
	return NewError(ErrConfirmationDenied, fmt.Sprintf("confirmation %s denied", confirmID))
}

// NewHILAlreadyPendingError reports a second HIL request while one is pending.
func NewHILAlreadyPendingError(taskID, pendingID string) *Error {
	return NewError(ErrHILAlreadyPending,
		fmt.Sprintf("task %q already has pending HIL task %s", taskID, pendingID)).
		WithHTTPStatus(http.StatusConflict)
}

// NewHILAlreadyRespondedError reports a duplicate respond call.
func NewHILAlreadyRespondedError(hilID string) *Error {
	return NewError(ErrHILAlreadyResponded, fmt.Sprintf("HIL task %s already responded", hilID)).
		WithHTTPStatus(http.StatusConflict)
}

// NewHILExpiredError reports a HIL task retired before any response arrived.
func NewHILExpiredError(hilID string) *Error {
	return NewError(ErrHILExpired, fmt.Sprintf("HIL task %s expired without a response", hilID)).
		WithHTTPStatus(http.StatusConflict)
}

// NewCompactionError wraps a summarization failure.
func NewCompactionError(agentID string, cause error) *Error {
	return NewError(ErrCompactionFailed, fmt.Sprintf("compaction failed for %s", agentID)).
		WithCause(cause).WithRetryable(true)
}

// NewToolExecutionError wraps an opaque failure from a tool implementation.
func NewToolExecutionError(tool string, cause error) *Error {
	return NewError(ErrToolExecution, fmt.Sprintf("tool %s failed", tool)).WithCause(cause)
}

// NewPersistenceError wraps a storage failure. It is fatal to the run.
func NewPersistenceError(op string, cause error) *Error {
	return NewError(ErrPersistence, op).WithCause(cause).
		WithHTTPStatus(http.StatusInternalServerError)
}
