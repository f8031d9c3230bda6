package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeDepthExceeded      = "DEPTH_EXCEEDED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeTemplate           = "TEMPLATE_ERROR"
	ErrCodeHandlerUnavailable = "HANDLER_UNAVAILABLE"
)

// FlowError is the structured error type shared by the engine, store and handlers.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// ErrorCode returns the code of the outermost FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsGraphValidation reports whether err is a workflow graph validation failure.
func IsGraphValidation(err error) bool {
	return ErrorCode(err) == ErrCodeValidation || ErrorCode(err) == ErrCodeDepthExceeded
}

// IsStepTimeout reports whether err is a step exceeding its time budget.
func IsStepTimeout(err error) bool {
	return ErrorCode(err) == ErrCodeTimeout
}

// IsNotFound reports whether err is a missing-row error from the store.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}
