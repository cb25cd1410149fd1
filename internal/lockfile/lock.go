// Package lockfile guards a database path against concurrent engine runs.
// Spec.md §5 calls the database "logically single-owner"; that only holds
// in practice if at most one process has a given database path open for
// writing at a time. It wraps github.com/gofrs/flock instead of hand-rolled
// per-platform flock syscalls.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Info is the metadata written into the lock file alongside the OS-level
// advisory lock, so a second process that fails to acquire the lock can
// report something useful about who's holding it.
type Info struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Lock wraps an acquired advisory lock plus the path it guards.
type Lock struct {
	fl *flock.Flock
}

// lockPath returns the conventional lock file location for a database path:
// sibling to it, named "<base>.lock".
func lockPath(dbPath string) string {
	return dbPath + ".lock"
}

// TryAcquire attempts to acquire the lock for dbPath without blocking. ok is
// false if another process already holds it.
func TryAcquire(dbPath string, info Info) (l *Lock, ok bool, err error) {
	path := lockPath(dbPath)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: try-lock %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}

	if err := writeInfo(path, info); err != nil {
		_ = fl.Unlock()
		return nil, false, err
	}

	return &Lock{fl: fl}, true, nil
}

// Acquire blocks (subject to ctx) until the lock for dbPath is free, then
// acquires it.
func Acquire(ctx context.Context, dbPath string, info Info) (*Lock, error) {
	path := lockPath(dbPath)
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lockfile: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lockfile: lock %s: not acquired", path)
	}

	if err := writeInfo(path, info); err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	return &Lock{fl: fl}, nil
}

// Release unlocks the file.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// Held reads whatever Info the current lock holder (if any) wrote for
// dbPath, without attempting to acquire the lock itself — safe to call from
// a process that expects the lock to be held by someone else (e.g. a
// "kestrel doctor" diagnostic).
func Held(dbPath string) (Info, bool) {
	data, err := os.ReadFile(lockPath(dbPath))
	if err != nil {
		return Info{}, false
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, false
	}
	// The file outlives Release; if the lock itself is free, the Info in it
	// is left over from a previous holder.
	fl := flock.New(lockPath(dbPath))
	if locked, err := fl.TryLock(); err == nil && locked {
		_ = fl.Unlock()
		return Info{}, false
	}
	return info, true
}

func writeInfo(path string, info Info) error {
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("lockfile: marshal info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("lockfile: mkdir %s: %w", filepath.Dir(path), err)
	}
	// Written in place: the advisory lock is held on this file's inode, so
	// replacing the file via rename would leave the lock on an unlinked file.
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("lockfile: write %s: %w", path, err)
	}
	return nil
}
