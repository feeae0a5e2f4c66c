// Package errkind classifies errors that cross component boundaries into
// the small set of kinds the rest of the system reacts to: Transient,
// BuildFailure, NotFound, Conflict, Auth, and Fatal.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies how a caller should react to an error.
type Kind int

const (
	// Unknown errors propagate as-is; callers treat them conservatively.
	Unknown Kind = iota
	// Transient errors are temporary failures (network, rate limiting).
	// No caller retries them with backoff: the watcher abandons its cycle
	// and polls again on its next tick, and the manager logs a failed
	// build-input fetch without retrying it.
	Transient
	// BuildFailure errors are persisted as a Failed build result.
	BuildFailure
	// NotFound errors are surfaced as 404/502 at the data plane.
	NotFound
	// Conflict errors are surfaced to callers and ignored by the watcher.
	Conflict
	// Auth errors mark credentials the source host rejected (HTTP 401/403).
	Auth
	// Fatal errors cause the process to exit; a supervisor restarts it.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case BuildFailure:
		return "build_failure"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Auth:
		return "auth"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap annotates err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Wrapf is Wrap with a formatted message prefixed to err.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(kind, fmt.Errorf(format+": %w", append(args, err)...))
}

// As reports whether err (or any error in its chain) carries kind.
func As(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, or Unknown if none is attached.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried rather than surfaced.
func IsTransient(err error) bool { return As(err, Transient) }

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool { return As(err, NotFound) }
