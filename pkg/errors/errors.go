// Package errors provides structured error types for the rawfetch library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeResolution represents DNS resolution failures, on any hop
	ErrorTypeResolution ErrorType = "resolution"
	// ErrorTypeConfiguration represents invalid proxy or fingerprint settings
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeUnsupported represents features this client refuses to provide
	ErrorTypeUnsupported ErrorType = "unsupported"
	// ErrorTypeProtocol represents HTTP protocol errors and malformed body chunks
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeTypeMismatch represents arguments of the wrong kind
	ErrorTypeTypeMismatch ErrorType = "type_mismatch"
	// ErrorTypeConnection represents TCP connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTLS represents TLS handshake errors
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeIO represents I/O errors
	ErrorTypeIO ErrorType = "io"
)

// Sentinels usable with errors.Is; matching is done on the Type only.
var (
	ErrResolution    = &Error{Type: ErrorTypeResolution}
	ErrConfiguration = &Error{Type: ErrorTypeConfiguration}
	ErrUnsupported   = &Error{Type: ErrorTypeUnsupported}
	ErrProtocol      = &Error{Type: ErrorTypeProtocol}
	ErrTypeMismatch  = &Error{Type: ErrorTypeTypeMismatch}
	ErrTimeout       = &Error{Type: ErrorTypeTimeout}
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

// NewResolutionError creates a DNS resolution error.
func NewResolutionError(host string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeResolution,
		Message:   fmt.Sprintf("could not resolve host %q", host),
		Cause:     cause,
		Host:      host,
		Timestamp: time.Now(),
	}
}

// NewConfigurationError creates an error for an invalid client or request setting.
func NewConfigurationError(format string, args ...interface{}) *Error {
	return &Error{
		Type:      ErrorTypeConfiguration,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// NewUnsupportedFeatureError creates an error for a feature the client does not provide.
func NewUnsupportedFeatureError(feature string) *Error {
	return &Error{
		Type:      ErrorTypeUnsupported,
		Message:   feature + " is not supported",
		Timestamp: time.Now(),
	}
}

// NewTypeMismatchError reports an argument of an unexpected dynamic type.
func NewTypeMismatchError(what string, got interface{}) *Error {
	return &Error{
		Type:      ErrorTypeTypeMismatch,
		Message:   fmt.Sprintf("%s: unexpected %T", what, got),
		Timestamp: time.Now(),
	}
}

// NewConnectionError creates a connection error.
func NewConnectionError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeConnection,
		Message:   fmt.Sprintf("failed to connect to %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTLSError creates a TLS handshake error.
func NewTLSError(host string, port int, cause error) *Error {
	return &Error{
		Type:      ErrorTypeTLS,
		Message:   fmt.Sprintf("TLS handshake failed for %s:%d", host, port),
		Cause:     cause,
		Host:      host,
		Port:      port,
		Timestamp: time.Now(),
	}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return &Error{
		Type:      ErrorTypeTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", operation, timeout),
		Timestamp: time.Now(),
	}
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeProtocol,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return &Error{
		Type:      ErrorTypeIO,
		Message:   fmt.Sprintf("I/O error during %s", operation),
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeTimeout {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
