// Package errors provides the structured error system used by the sentinel pipeline:
// error codes, categories, and classification of captured application errors into kinds.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for pipeline operations.
type ErrorCode string

const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Telemetry Store Errors
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeStoreRead        ErrorCode = "STORE_READ"
	ErrCodeStoreWrite       ErrorCode = "STORE_WRITE"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Encoding Errors
	ErrCodeEncodeFailed ErrorCode = "ENCODE_FAILED"
	ErrCodeDecodeFailed ErrorCode = "DECODE_FAILED"

	// State Management Errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotStarted         ErrorCode = "NOT_STARTED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation Errors
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStore         ErrorCategory = "store"
	CategoryEncoding      ErrorCategory = "encoding"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// SentinelError represents a structured pipeline error with context and metadata.
type SentinelError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *SentinelError) Error() string {
	var msg string
	switch {
	case e.Component != "" && e.Operation != "":
		msg = fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
	case e.Component != "":
		msg = fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	default:
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *SentinelError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SentinelError with the same code.
func (e *SentinelError) Is(target error) bool {
	if t, ok := target.(*SentinelError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *SentinelError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for the given code.
func NewError(code ErrorCode, message string) *SentinelError {
	return &SentinelError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given code that wraps cause.
func Wrap(cause error, code ErrorCode, message string) *SentinelError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "STORE_") || code == ErrCodeNotFound || code == ErrCodeCircuitOpen:
		return CategoryStore
	case strings.HasPrefix(codeStr, "ENCODE_") || strings.HasPrefix(codeStr, "DECODE_"):
		return CategoryEncoding
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_STARTED") ||
		strings.HasPrefix(codeStr, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "QUEUE_") ||
		strings.HasPrefix(codeStr, "RETRY_") || strings.HasPrefix(codeStr, "INVALID_ARGUMENT"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeStoreUnavailable, ErrCodeStoreRead, ErrCodeStoreWrite, ErrCodeOperationTimeout:
		return true
	}
	return false
}

// IsRetryable reports whether err carries a retryable SentinelError.
func IsRetryable(err error) bool {
	var se *SentinelError
	if As(err, &se) {
		return se.Retryable
	}
	return false
}

// HasCode reports whether err is or wraps a SentinelError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var se *SentinelError
	if As(err, &se) {
		return se.Code == code
	}
	return false
}

// CaptureStack captures the current stack trace for diagnostics.
func CaptureStack(skip int) string {
	const depth = 16
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *SentinelError) WithDetail(key string, value interface{}) *SentinelError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *SentinelError) WithComponent(component string) *SentinelError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *SentinelError) WithOperation(operation string) *SentinelError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *SentinelError) WithCause(cause error) *SentinelError {
	e.Cause = cause
	return e
}
