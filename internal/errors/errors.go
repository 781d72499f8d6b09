package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Exit codes for forage-broker
const (
	ExitSuccess             = 0
	ExitGeneralError        = 1
	ExitWorkspaceNotFound   = 2
	ExitPendingProvisioning = 3
	ExitInvalidTransition   = 4
	ExitProvisionFailed     = 5
	ExitConfigError         = 6
	ExitPathEscape          = 7
	ExitAccessUnavailable   = 8
	ExitSessionFailed       = 9
	ExitFileError           = 10
)

// Kind classifies a ForageError. Kinds are stable strings that cross the
// API boundary; raw backend errors never do.
type Kind string

const (
	KindInternal               Kind = "Internal"
	KindNotFound               Kind = "NotFound"
	KindPendingProvisioning    Kind = "PendingProvisioning"
	KindInvalidTransition      Kind = "InvalidTransition"
	KindProvisionTimeout       Kind = "ProvisionTimeout"
	KindProvisionUnavailable   Kind = "ProvisionUnavailable"
	KindProvisionQuotaExceeded Kind = "ProvisionQuotaExceeded"
	KindPathEscape             Kind = "PathEscape"
	KindAccessUnavailable      Kind = "AccessUnavailable"
	KindSessionFailed          Kind = "SessionFailed"
	KindFileNotFound           Kind = "FileNotFound"
	KindDirectoryNotEmpty      Kind = "DirectoryNotEmpty"
	KindInvalidArgument        Kind = "InvalidArgument"
	KindCommandFailed          Kind = "CommandFailed"
	KindConfigError            Kind = "ConfigError"
)

// AttemptError records one failed transport (or credential source) attempt.
type AttemptError struct {
	Transport string
	Err       error
}

func (a AttemptError) String() string {
	if a.Err == nil {
		return a.Transport
	}
	return fmt.Sprintf("%s: %v", a.Transport, a.Err)
}

// ForageError is the base error type for forage-broker
type ForageError struct {
	Kind     Kind
	Code     int
	Message  string
	Cause    error
	Attempts []AttemptError
}

func (e *ForageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if len(e.Attempts) > 0 {
		parts := make([]string, len(e.Attempts))
		for i, a := range e.Attempts {
			parts[i] = a.String()
		}
		return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, "; "))
	}
	return e.Message
}

func (e *ForageError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the exit code for this error
func (e *ForageError) ExitCode() int {
	return e.Code
}

// Is matches another ForageError by kind, so sentinel-style comparisons work:
//
//	errors.Is(err, &ForageError{Kind: KindNotFound})
func (e *ForageError) Is(target error) bool {
	t, ok := target.(*ForageError)
	if !ok {
		return false
	}
	return t.Kind != "" && t.Kind == e.Kind && t.Message == ""
}

// Retryable reports whether the caller may retry the same operation later.
func (e *ForageError) Retryable() bool {
	switch e.Kind {
	case KindProvisionTimeout, KindProvisionUnavailable, KindAccessUnavailable, KindSessionFailed:
		return true
	}
	return false
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *ForageError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound, KindFileNotFound:
		return http.StatusNotFound
	case KindPendingProvisioning, KindInvalidTransition, KindDirectoryNotEmpty:
		return http.StatusConflict
	case KindPathEscape:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindProvisionTimeout:
		return http.StatusGatewayTimeout
	case KindProvisionUnavailable, KindAccessUnavailable, KindSessionFailed:
		return http.StatusServiceUnavailable
	case KindProvisionQuotaExceeded:
		return http.StatusInsufficientStorage
	case KindCommandFailed:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

var exitCodes = map[Kind]int{
	KindNotFound:               ExitWorkspaceNotFound,
	KindPendingProvisioning:    ExitPendingProvisioning,
	KindInvalidTransition:      ExitInvalidTransition,
	KindProvisionTimeout:       ExitProvisionFailed,
	KindProvisionUnavailable:   ExitProvisionFailed,
	KindProvisionQuotaExceeded: ExitProvisionFailed,
	KindPathEscape:             ExitPathEscape,
	KindAccessUnavailable:      ExitAccessUnavailable,
	KindSessionFailed:          ExitSessionFailed,
	KindFileNotFound:           ExitFileError,
	KindDirectoryNotEmpty:      ExitFileError,
	KindConfigError:            ExitConfigError,
}

// New creates a new ForageError of the given kind
func New(kind Kind, message string) *ForageError {
	code, ok := exitCodes[kind]
	if !ok {
		code = ExitGeneralError
	}
	return &ForageError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a ForageError
func Wrap(kind Kind, message string, cause error) *ForageError {
	e := New(kind, message)
	e.Cause = cause
	return e
}

// Common error constructors

// NotFound returns an error for an owner with no live workspace
func NotFound(owner string) *ForageError {
	return New(KindNotFound, fmt.Sprintf("workspace not found: %s", owner))
}

// PendingProvisioning returns an error for a workspace that exists but is not running yet
func PendingProvisioning(namespace, state string) *ForageError {
	return New(KindPendingProvisioning, fmt.Sprintf("workspace %s is %s", namespace, state))
}

// InvalidTransition returns an error for a rejected lifecycle transition
func InvalidTransition(from, to string) *ForageError {
	return New(KindInvalidTransition, fmt.Sprintf("invalid transition %s -> %s", from, to))
}

// ProvisionTimeout returns an error for a compute unit that never became ready
func ProvisionTimeout(namespace string, cause error) *ForageError {
	return Wrap(KindProvisionTimeout, fmt.Sprintf("workspace %s did not become ready", namespace), cause)
}

// ProvisionUnavailable returns an error for an unreachable control plane
func ProvisionUnavailable(op string, cause error) *ForageError {
	return Wrap(KindProvisionUnavailable, fmt.Sprintf("control plane unavailable during %s", op), cause)
}

// ProvisionQuotaExceeded returns an error for a resource quota rejection
func ProvisionQuotaExceeded(namespace string, cause error) *ForageError {
	return Wrap(KindProvisionQuotaExceeded, fmt.Sprintf("quota exceeded for workspace %s", namespace), cause)
}

// PathEscape returns an error for a path outside the workspace root
func PathEscape(path string) *ForageError {
	return New(KindPathEscape, fmt.Sprintf("path escapes workspace root: %s", path))
}

// AccessUnavailable returns an error carrying every failed transport attempt
func AccessUnavailable(namespace string, attempts []AttemptError) *ForageError {
	e := New(KindAccessUnavailable, fmt.Sprintf("no transport reached workspace %s", namespace))
	e.Attempts = attempts
	return e
}

// SessionFailed returns an error for a terminal session that could not start or broke
func SessionFailed(message string, cause error) *ForageError {
	return Wrap(KindSessionFailed, message, cause)
}

// FileNotFound returns an error for a missing path inside a workspace
func FileNotFound(path string) *ForageError {
	return New(KindFileNotFound, fmt.Sprintf("no such file or directory: %s", path))
}

// DirectoryNotEmpty returns an error for a non-recursive delete of a populated directory
func DirectoryNotEmpty(path string) *ForageError {
	return New(KindDirectoryNotEmpty, fmt.Sprintf("directory not empty: %s", path))
}

// InvalidArgument returns an error for input validation failures
func InvalidArgument(message string) *ForageError {
	return New(KindInvalidArgument, message)
}

// CommandFailed returns an error for a remote command that exited non-zero
func CommandFailed(message string, cause error) *ForageError {
	return Wrap(KindCommandFailed, message, cause)
}

// ConfigError returns an error for configuration issues
func ConfigError(message string, cause error) *ForageError {
	return Wrap(KindConfigError, message, cause)
}

// Internal returns an error for unexpected failures
func Internal(message string, cause error) *ForageError {
	return Wrap(KindInternal, message, cause)
}

// KindOf returns the kind of the first ForageError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var forageErr *ForageError
	if errors.As(err, &forageErr) {
		return forageErr.Kind
	}
	return KindInternal
}

// HasKind reports whether err carries a ForageError of the given kind.
func HasKind(err error, kind Kind) bool {
	var forageErr *ForageError
	return errors.As(err, &forageErr) && forageErr.Kind == kind
}

// GetExitCode extracts the exit code from an error
func GetExitCode(err error) int {
	var forageErr *ForageError
	if errors.As(err, &forageErr) {
		return forageErr.ExitCode()
	}
	return ExitGeneralError
}

// HTTPStatus extracts the HTTP status from an error
func HTTPStatus(err error) int {
	var forageErr *ForageError
	if errors.As(err, &forageErr) {
		return forageErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is checks if an error is of a specific type
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
