// Package errdefs defines the error kinds used across the WarpGrid core
// and their mappings to HTTP status codes and CLI exit codes.
//
// Errors are classified by wrapping one of the sentinel errors below with
// fmt.Errorf("...: %w", errdefs.ErrNotFound) and tested with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound — keyed entity absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict — write violates a uniqueness or state precondition.
	ErrConflict = errors.New("conflict")

	// ErrInvalidArgument — malformed input, unsupported URI scheme, bad duration.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable — transient: dependency unreachable, pool draining.
	ErrUnavailable = errors.New("unavailable")

	// ErrResourceExhausted — pool at max size, memory growth denied.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFailedPrecondition — shim disabled, guest not joined, handle invalid.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrInternal — invariant violation; logged with full context.
	ErrInternal = errors.New("internal error")

	// ErrConnectionFailed — backend connection could not be established.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrQueryFailed — backend operation failed mid-flight.
	ErrQueryFailed = errors.New("query failed")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// InvalidArgumentf wraps ErrInvalidArgument with a formatted message.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

// Unavailablef wraps ErrUnavailable with a formatted message.
func Unavailablef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// ResourceExhaustedf wraps ErrResourceExhausted with a formatted message.
func ResourceExhaustedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrResourceExhausted)...)
}

// FailedPreconditionf wraps ErrFailedPrecondition with a formatted message.
func FailedPreconditionf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrFailedPrecondition)...)
}

// IsNotFound reports whether err is classified NotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is classified Conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidArgument reports whether err is classified InvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsUnavailable reports whether err is classified Unavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsResourceExhausted reports whether err is classified ResourceExhausted.
func IsResourceExhausted(err error) bool { return errors.Is(err, ErrResourceExhausted) }

// IsFailedPrecondition reports whether err is classified FailedPrecondition.
func IsFailedPrecondition(err error) bool { return errors.Is(err, ErrFailedPrecondition) }

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidArgument(err):
		return http.StatusBadRequest
	case IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Exit codes for operator CLIs.
const (
	ExitSuccess  = 0
	ExitGeneric  = 1
	ExitNotFound = 2
	ExitConflict = 3
)

// ExitCode maps an error kind to a CLI exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case IsNotFound(err):
		return ExitNotFound
	case IsConflict(err):
		return ExitConflict
	default:
		return ExitGeneric
	}
}
