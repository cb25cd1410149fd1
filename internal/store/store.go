// Package store defines the Database contract (spec.md §4.3): a durable
// map from question fingerprint to (answer bytes, ordered dependency
// fingerprints), plus the recheck protocol that reconciles persisted
// answers with the current outside world at start-up.
package store

import (
	"context"

	"github.com/coderunner/kestrel/internal/fingerprint"
)

// Entry is one persisted dependency record (spec.md §3).
type Entry struct {
	FP     fingerprint.FP
	Answer []byte
	Deps   []fingerprint.FP
}

// Database is the durable map every engine.Engine is built on. Concrete
// backends live in sibling packages (store/sqlite, store/boltstore);
// Database is the seam the engine and the recheck protocol code against so
// neither depends on a specific backend.
//
// Put is atomic per spec.md invariant 5: a caller must never observe a
// partial write (an answer with no/old deps, or vice versa).
type Database interface {
	// Get returns the entry for fp, or ok=false if fp has never
	// succeeded (spec.md invariant 2: absence means "must re-dispatch").
	Get(ctx context.Context, fp fingerprint.FP) (entry Entry, ok bool, err error)

	// Put atomically replaces fp's answer and dependency set.
	Put(ctx context.Context, fp fingerprint.FP, answer []byte, deps []fingerprint.FP) error

	// Forget removes fp's answer and deps entirely, equivalent to it
	// never having succeeded.
	Forget(ctx context.Context, fp fingerprint.FP) error

	// List returns every persisted entry, for the recheck pass and for
	// diagnostics. Order is unspecified.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the backend's resources.
	Close() error
}
