package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeCycleDetected         = "CYCLE_DETECTED"
	ErrCodePortOccupied          = "PORT_OCCUPIED"
	ErrCodeCapabilityUnavailable = "CAPABILITY_UNAVAILABLE"
	ErrCodeProvider              = "PROVIDER_ERROR"
	ErrCodeRateLimited           = "RATE_LIMITED"
	ErrCodeAuthInvalid           = "AUTH_INVALID"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeVault                 = "VAULT_ERROR"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeExpression            = "EXPRESSION_ERROR"
)

// SitegraphError is the structured error type for all graph, runner and
// capability operations.
type SitegraphError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SitegraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SitegraphError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SitegraphError.
func NewError(code, message string) *SitegraphError {
	return &SitegraphError{Code: code, Message: message}
}

// NewErrorf creates a new SitegraphError with a formatted message.
func NewErrorf(code, format string, args ...any) *SitegraphError {
	return &SitegraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *SitegraphError) WithNode(nodeID string) *SitegraphError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *SitegraphError) WithCause(err error) *SitegraphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SitegraphError) WithDetails(details map[string]any) *SitegraphError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a SitegraphError with the given code.
func HasCode(err error, code string) bool {
	var sgErr *SitegraphError
	if errors.As(err, &sgErr) {
		return sgErr.Code == code
	}
	return false
}

// IsValidation reports whether err is a validation-class error: rejected
// synchronously with state unchanged.
func IsValidation(err error) bool {
	var sgErr *SitegraphError
	if !errors.As(err, &sgErr) {
		return false
	}
	switch sgErr.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodePortOccupied, ErrCodeNotFound:
		return true
	}
	return false
}

// IsCancellation reports whether err represents a cooperative stop.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return HasCode(err, ErrCodeCancelled)
}

// IsFatal reports whether a per-item failure must abort the whole run.
// Missing or rejected credentials cannot be fixed by moving to the next item.
func IsFatal(err error) bool {
	return HasCode(err, ErrCodeCapabilityUnavailable) || HasCode(err, ErrCodeAuthInvalid)
}

// IsTransient reports whether err is a provider-side failure worth retrying
// or skipping past in a batch.
func IsTransient(err error) bool {
	if err == nil || IsCancellation(err) || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sgErr *SitegraphError
	if errors.As(err, &sgErr) {
		switch sgErr.Code {
		case ErrCodeRateLimited, ErrCodeProvider, ErrCodeCircuitOpen:
			return true
		default:
			return false
		}
	}
	// Untyped errors come from transports; treat them as provider hiccups.
	return true
}
