package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures by how callers should react.
type ErrorKind string

const (
	// KindTransient: network blips, throttling. Retry with backoff.
	KindTransient ErrorKind = "transient"

	// KindConflict: concurrent modification. Re-read, then retry.
	KindConflict ErrorKind = "conflict"

	// KindPermanent: missing permission, schema error. Surface to caller.
	KindPermanent ErrorKind = "permanent"
)

// Error wraps a cluster-manager failure with its kind and operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Conflict wraps err as a concurrent-modification failure.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf extracts the error kind. Unclassified errors are treated as
// permanent so they surface instead of being retried forever.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindPermanent
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsConflict reports whether err is a concurrent-modification failure.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsPermanent reports whether err must surface to the caller.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}

// IsRetryable reports whether err may be retried (transient or conflict).
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindConflict
}
