package plugins

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the plugin host wraps exactly one of
// these so callers can branch with errors.Is.
var (
	ErrNetwork        = errors.New("network error")
	ErrSizeExceeded   = errors.New("size limit exceeded")
	ErrGitCloneFailed = errors.New("git clone failed")
	ErrSourceNotFound = errors.New("source not found")
	ErrInvalidSource  = errors.New("invalid source")

	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrMissingSignature = errors.New("missing signature")

	ErrValidation = errors.New("manifest validation failed")
	ErrBinding    = errors.New("binding failed")

	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrCapabilityDenied = errors.New("capability denied")
	ErrTimeout          = errors.New("timeout")
	ErrCircuitOpen      = errors.New("circuit open")

	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrDependencyMissing = errors.New("dependency missing")

	ErrPluginNotFound   = errors.New("plugin not found")
	ErrAlreadyInstalled = errors.New("plugin already installed")
)

var categories = map[error]string{
	ErrNetwork:           "SourceError",
	ErrSizeExceeded:      "SourceError",
	ErrGitCloneFailed:    "SourceError",
	ErrSourceNotFound:    "SourceError",
	ErrInvalidSource:     "SourceError",
	ErrChecksumMismatch:  "IntegrityError",
	ErrSignatureInvalid:  "IntegrityError",
	ErrMissingSignature:  "IntegrityError",
	ErrValidation:        "ValidationError",
	ErrBinding:           "BindingError",
	ErrResourceExceeded:  "ResourceExceeded",
	ErrExecutionFailed:   "ExecutionFailed",
	ErrCapabilityDenied:  "CapabilityDenied",
	ErrTimeout:           "TimeoutError",
	ErrCircuitOpen:       "CircuitOpen",
	ErrDependencyCycle:   "DependencyCycle",
	ErrDependencyMissing: "DependencyMissing",
	ErrPluginNotFound:    "NotFound",
	ErrAlreadyInstalled:  "Conflict",
}

// Error is the typed error returned across the plugin host. Kind is one of
// the package sentinels; Err optionally carries the underlying cause.
type Error struct {
	Kind   error
	Plugin string
	Msg    string
	Err    error
}

// NewError creates an Error of the given kind.
func NewError(kind error, plugin, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Plugin: plugin, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind around cause.
func WrapError(kind error, plugin string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Plugin: plugin, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Plugin != "" {
		msg = fmt.Sprintf("plugin %s: %s", e.Plugin, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Category returns the user-facing category of err ("SourceError",
// "IntegrityError", ...). Unknown errors are reported as "Error".
func Category(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		if c, ok := categories[pe.Kind]; ok {
			return c
		}
	}
	for kind, c := range categories {
		if errors.Is(err, kind) {
			return c
		}
	}
	return "Error"
}
