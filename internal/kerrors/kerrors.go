// Package kerrors declares the engine-wide error taxonomy (spec.md §7) as
// sentinel errors and small wrapper types, the same way the teacher
// declares ErrDaemonLocked alongside the code that raises it instead of in
// a generic "errors" grab-bag package.
package kerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these; concrete failures wrap them
// with fmt.Errorf("...: %w", ...) for context.
var (
	// ErrStoreIO marks a fatal backing-store failure (spec.md §7: fatal,
	// abort the loop with exit code 2).
	ErrStoreIO = errors.New("kestrel: store i/o error")

	// ErrCorrupt marks a present database entry that failed to
	// deserialize. Recovery is local: forget the entry and warn.
	ErrCorrupt = errors.New("kestrel: corrupt store entry")

	// ErrQueueClosed is returned by Queue.Enqueue after Queue.Close; it is
	// fatal because it only happens while the loop is shutting down.
	ErrQueueClosed = errors.New("kestrel: enqueue on closed queue")

	// ErrCycle marks a question that (directly or transitively) needs
	// itself. Fatal for the affected sub-tree; propagates as a
	// DispatchFail.
	ErrCycle = errors.New("kestrel: cyclic dependency")

	// ErrChildNonZero marks a spawned process that exited with a nonzero
	// status. Dispatchers decide whether this is fatal to their own
	// dispatch.
	ErrChildNonZero = errors.New("kestrel: child process exited nonzero")

	// ErrChildSignal marks a spawned process killed by a signal.
	ErrChildSignal = errors.New("kestrel: child process terminated by signal")
)

// DispatchFail wraps a user dispatcher's failure reason (the answer
// context's `fail(e)`). Nil Err is valid: `fail()` with no reason.
type DispatchFail struct {
	Err error
}

func (e *DispatchFail) Error() string {
	if e.Err == nil {
		return "kestrel: dispatch failed"
	}
	return fmt.Sprintf("kestrel: dispatch failed: %v", e.Err)
}

func (e *DispatchFail) Unwrap() error { return e.Err }

// NewDispatchFail wraps err (which may be nil) as a DispatchFail.
func NewDispatchFail(err error) *DispatchFail {
	return &DispatchFail{Err: err}
}
