package novasonic

import (
	"errors"
	"fmt"
)

// Sentinel errors for the novasonic package.
var (
	// ErrMissingRegion indicates no AWS region was configured.
	ErrMissingRegion = errors.New("novasonic: AWS region is required")

	// ErrMissingModel indicates the model id is empty.
	ErrMissingModel = errors.New("novasonic: model is required")

	// ErrNotConnected indicates the stream has not been opened.
	ErrNotConnected = errors.New("novasonic: not connected")

	// ErrAlreadyConnected indicates the stream is already open.
	ErrAlreadyConnected = errors.New("novasonic: already connected")

	// ErrStreamClosed indicates the model closed the stream unexpectedly.
	ErrStreamClosed = errors.New("novasonic: stream closed")

	// ErrInvalidEvent indicates a malformed event was received.
	ErrInvalidEvent = errors.New("novasonic: invalid event")

	// ErrUnknownTool indicates the model called a tool that is not registered.
	ErrUnknownTool = errors.New("novasonic: unknown tool")
)

// APIError is an error reported by the model.
type APIError struct {
	// Code is the exception name.
	Code string

	// Message is the human-readable error message.
	Message string

	// Retryable indicates if the session can be reopened.
	Retryable bool
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("novasonic: API error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("novasonic: API error: %s", e.Message)
}

// IsRetryable returns true if the error can be retried.
func (e *APIError) IsRetryable() bool {
	return e.Retryable
}

// NewAPIError creates an APIError. Throttling and service-side failures are
// retryable.
func NewAPIError(code, message string) *APIError {
	retryable := false
	switch code {
	case "ThrottlingException", "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException":
		retryable = true
	}
	return &APIError{Code: code, Message: message, Retryable: retryable}
}

// ConnectionError wraps a failure opening or using the bidirectional stream.
type ConnectionError struct {
	// Reason describes what failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnection should be attempted.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("novasonic: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("novasonic: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if reconnection should be attempted.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError creates a ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause, Retryable: retryable}
}

// IsNotConnected returns true if the error indicates no open stream.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrStreamClosed)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return false
}
