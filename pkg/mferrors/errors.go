// Package mferrors is the error taxonomy shared by every mageflow component.
// Grounded on original_source/mageflow/errors.py: its exception hierarchy
// becomes a set of sentinel errors plus one NonRetriable wrapper type, so
// callers can tell with errors.Is/errors.As the kind that actually matters
// to them (a missing callback vs. a full swarm).
package mferrors

import "errors"

// ErrMissingSignature indicates a referenced signature ID does not resolve.
// One-shot callbacks are deleted after firing, so this is often the expected
// signal that a callback already ran rather than an infrastructure failure.
var ErrMissingSignature = errors.New("mageflow: signature not found")

// ErrMissingSwarmItem indicates a batch item or its original vanished
// mid-lifecycle (e.g. the original was removed while its batch item was
// still queued).
var ErrMissingSwarmItem = errors.New("mageflow: swarm item not found")

// ErrTooManyTasks is returned by Swarm.AddTask once max_tasks_allowed is reached.
var ErrTooManyTasks = errors.New("mageflow: swarm has reached its task limit")

// ErrSwarmCanceled is returned by Swarm.AddTask after the swarm has been canceled.
var ErrSwarmCanceled = errors.New("mageflow: swarm is canceled")

// ErrNotFound is the store's not-found signal, distinct from transient/conflict errors.
var ErrNotFound = errors.New("mageflow: store key not found")

// ErrConflict is a lost optimistic-locking race on a store write.
var ErrConflict = errors.New("mageflow: store write conflict")

// ErrTransient marks a store error that is safe to retry (e.g. a lock timeout).
var ErrTransient = errors.New("mageflow: transient store error")

// ErrNotImplemented is returned by Interrupt: callers must get an explicit
// failure rather than silently falling back to soft (suspend) semantics.
var ErrNotImplemented = errors.New("mageflow: not implemented")

// NonRetriable wraps an error to mark it as non-retriable: the invoker must
// not ask the executor for another attempt when it sees this marker.
type NonRetriable struct {
	Err error
}

func (e *NonRetriable) Error() string { return e.Err.Error() }
func (e *NonRetriable) Unwrap() error { return e.Err }

// MarkNonRetriable wraps err so IsNonRetriable reports true for it.
func MarkNonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriable{Err: err}
}

// IsNonRetriable reports whether err (or anything it wraps) was marked non-retriable.
func IsNonRetriable(err error) bool {
	var nr *NonRetriable
	return errors.As(err, &nr)
}
