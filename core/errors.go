package core

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// Submission / preprocessing errors
	ErrValidation      = errors.New("request validation failed")
	ErrPolicyRejection = errors.New("request rejected by safety policy")
	ErrOverloaded      = errors.New("pipeline overloaded")

	// Routing errors
	ErrNoAgentAvailable = errors.New("no agent available")

	// Execution errors
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrTimeoutExceeded   = errors.New("deadline exceeded")
	ErrCancelled         = errors.New("request cancelled")
	ErrBackendFatal      = errors.New("backend fatal error")
	ErrRetriesExhausted  = errors.New("retryable errors exhausted")
	ErrProviderNotBound  = errors.New("no provider bound for agent")
	ErrStreamUnsupported = errors.New("provider does not support streaming")

	// Everything else
	ErrInternal = errors.New("internal error")
)

// ErrorKind tags provider-level errors for recovery decisions.
// Providers must classify every error they return.
type ErrorKind string

const (
	KindRetryable   ErrorKind = "Retryable"
	KindFatalClient ErrorKind = "FatalClient"
	KindFatalServer ErrorKind = "FatalServer"
	KindRateLimited ErrorKind = "RateLimited"
	KindTimeout     ErrorKind = "Timeout"
	KindAuthFailure ErrorKind = "AuthFailure"
)

// Retryable reports whether an attempt failing with this kind may be retried
// against the same backend.
func (k ErrorKind) Retryable() bool {
	return k == KindRetryable || k == KindRateLimited || k == KindTimeout
}

// ProviderError wraps a backend error with its classification.
type ProviderError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError builds a classified provider error.
func NewProviderError(kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Err: err}
}

// ClassifyError extracts the ErrorKind from an error chain.
// Unclassified errors are treated as FatalServer: the conservative choice
// is to count them against the backend but not retry blindly.
func ClassifyError(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeoutExceeded) {
		return KindTimeout
	}
	return KindFatalServer
}

// PipelineError provides structured error information with request context.
// It implements the error interface and supports error wrapping.
type PipelineError struct {
	Op        string // operation that failed, e.g. "preprocess.Validate"
	Kind      string // surface-level taxonomy, e.g. "ValidationError"
	RequestID string
	Message   string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.RequestID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.RequestID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError creates a PipelineError tied to a request.
func NewPipelineError(op, kind, requestID string, err error) *PipelineError {
	return &PipelineError{Op: op, Kind: kind, RequestID: requestID, Err: err}
}

// IsRetryable checks if an error may succeed on retry.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.Retryable()
	}
	return false
}

// IsTerminal checks if an error short-circuits all downstream stages.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTimeoutExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsRejection checks if an error originates from validation or policy,
// i.e. nothing should be recorded against any agent.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPolicyRejection) ||
		errors.Is(err, ErrOverloaded)
}
