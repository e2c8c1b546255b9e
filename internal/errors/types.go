package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies errors for transport mapping and retry logic.
type Kind int

const (
	// KindTransient - retry-able storage or network errors
	KindTransient Kind = iota
	// KindPermanent - non-retry-able errors
	KindPermanent
	// KindConflict - lock held, already exists, generation mismatch
	KindConflict
	// KindNotFound - unknown resource
	KindNotFound
	// KindAuth - missing or invalid identity
	KindAuth
	// KindConfig - missing required configuration, fatal at startup
	KindConfig
	// KindTool - raised by a tool handler; a result, not a transport failure
	KindTool
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // caller-facing message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ConflictError reports contention on a shared resource, carrying
// holder details for lock conflicts.
type ConflictError struct {
	Message string
	Details map[string]any
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "conflict"
}

// NotFoundError reports an unknown resource.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// AuthError reports a missing or invalid identity on a privileged endpoint.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ConfigError reports missing required configuration. Fatal at startup.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// ToolError is any failure raised by a tool handler. It travels inside
// the result frame so cursors still advance; it is never retried by the
// transport.
type ToolError struct {
	Code string // stable code such as path_escape, not_found, timeout
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError creates a ToolError with a stable code.
func NewToolError(code string, err error) *ToolError {
	return &ToolError{Code: code, Err: err}
}

// ToolCode extracts the stable code from a ToolError, or the plain error
// message otherwise.
func ToolCode(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Code
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Conflicts, auth and not-found are never transient.
	var conflictErr *ConflictError
	var notFoundErr *NotFoundError
	var authErr *AuthError
	var toolErr *ToolError
	if errors.As(err, &conflictErr) || errors.As(err, &notFoundErr) ||
		errors.As(err, &authErr) || errors.As(err, &toolErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if isSyscallError(err) {
		return true
	}

	return false
}

// KindOf classifies an error into its Kind.
func KindOf(err error) Kind {
	var conflictErr *ConflictError
	if errors.As(err, &conflictErr) {
		return KindConflict
	}
	var notFoundErr *NotFoundError
	if errors.As(err, &notFoundErr) {
		return KindNotFound
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return KindAuth
	}
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return KindConfig
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return KindTool
	}
	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// HTTPStatus maps an error kind to its transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindConfig, KindPermanent:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// NewTransientError creates a new transient error.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}
