// Package process implements the child-process supervisor (spec.md §4.6).
// A child is spawned via argv[]; its exit is reaped off a goroutine-per-wait
// (the idiomatic Go stand-in for the spec's kernel-event-filter /
// SIGCHLD-self-pipe portability split: os/exec's Wait already blocks on
// whatever the platform's process-reap primitive is, so one goroutine per
// in-flight child gets the same "exactly one exit-status delivery per
// spawn" contract without hand-rolled event-filter or self-pipe plumbing),
// reporting back onto the supervisor's own wake channel so it composes with
// a single-threaded scheduler main loop exactly like the question queue
// does.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/coderunner/kestrel/internal/kerrors"
)

// Status is the exit-status tagged union from spec.md §4.6, selected by
// Kind: Code is meaningful for StatusCode and StatusException, Signal for
// StatusSignal.
type Status struct {
	Kind   StatusKind
	Code   int64
	Signal int32
}

// StatusKind discriminates the Status union.
type StatusKind int

const (
	// StatusCode: the process ran to completion and returned Code.
	StatusCode StatusKind = iota
	// StatusSignal: the process was terminated by Signal.
	StatusSignal
	// StatusException: the process terminated via a platform structured
	// exception (spec.md §4.6 calls this out for non-POSIX hosts; on the
	// POSIX hosts Go actually runs on, this variant is unused).
	StatusException
)

func (s Status) String() string {
	switch s.Kind {
	case StatusCode:
		return fmt.Sprintf("exit code %d", s.Code)
	case StatusSignal:
		return fmt.Sprintf("killed by signal %d", s.Signal)
	default:
		return fmt.Sprintf("exception %d", s.Code)
	}
}

// Success reports whether the child terminated with exit code 0.
func (s Status) Success() bool {
	return s.Kind == StatusCode && s.Code == 0
}

// AsError turns a non-success Status into one of kerrors.ErrChildNonZero /
// kerrors.ErrChildSignal, for dispatchers that want to fail their context
// with errors.Is-able reasons. Returns nil on success.
func (s Status) AsError() error {
	switch {
	case s.Success():
		return nil
	case s.Kind == StatusSignal:
		return fmt.Errorf("%w: signal %d", kerrors.ErrChildSignal, s.Signal)
	default:
		return fmt.Errorf("%w: code %d", kerrors.ErrChildNonZero, s.Code)
	}
}

// Result is what a spawn's goroutine hands back to the supervisor: the id
// Spawn returned, its resolved status, the child's captured stderr, and any
// spawn-level error (argv[0]
// not found, fork/exec failure — distinct from the child's own exit
// status).
type Result struct {
	ID     uint64
	Status Status
	Stderr string
	Err    error
}

// Supervisor spawns children and reaps them off per-child goroutines,
// publishing each Result onto a single channel the main loop selects on
// alongside the question queue's wake channel (spec.md §4.6: "the
// supervisor integrates with the main loop's OS wake source").
type Supervisor struct {
	results chan Result
	group   errgroup.Group

	mu     sync.Mutex
	nextID uint64

	// RetryPolicy governs transient spawn failures (e.g. "text file busy"
	// on a freshly-written executable). nil disables retry.
	RetryPolicy backoff.BackOff
}

// SetConcurrencyLimit bounds how many children may be running (spawned but
// not yet reaped) at once; once the limit is reached, further Spawn calls
// block in the errgroup's limiter until a running child has been reaped.
// Call before the first Spawn — errgroup panics
// if the limit changes while goroutines are outstanding. n <= 0 means
// unbounded.
func (s *Supervisor) SetConcurrencyLimit(n int) {
	if n > 0 {
		s.group.SetLimit(n)
	}
}

// New returns a Supervisor with a reasonably buffered results channel; the
// buffer only smooths bursts of simultaneous child exits, it does not
// change delivery semantics (each spawn still reports exactly once).
func New() *Supervisor {
	return &Supervisor{results: make(chan Result, 64)}
}

// Results is the channel the main loop selects on to receive completed
// child exits.
func (s *Supervisor) Results() <-chan Result { return s.results }

// Spawn starts argv[0] with argv[1:] as arguments and dir as its working
// directory (empty means inherit the supervisor's own). It returns without
// waiting for the child (it blocks only while a SetConcurrencyLimit limit is
// reached); the exit status arrives later on Results, tagged with the
// returned id. Spawn itself can fail synchronously (e.g. argv empty); that
// is reported as an error return, not a queued Result.
func (s *Supervisor) Spawn(ctx context.Context, dir string, argv []string) (uint64, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("process: empty argv")
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	s.group.Go(func() error {
		s.run(ctx, id, dir, argv)
		return nil
	})
	return id, nil
}

// run never returns an error to the errgroup: a child's own failure (spawn
// error, non-zero exit, signal death) is a Result, not a supervisor-level
// fault. The errgroup here is purely a fan-in wait/limit mechanism, not an
// error-propagation one.
func (s *Supervisor) run(ctx context.Context, id uint64, dir string, argv []string) {
	var cmd *exec.Cmd
	var stderr bytes.Buffer

	spawn := func() error {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Stderr = &stderr
		return cmd.Start()
	}

	var err error
	if s.RetryPolicy != nil {
		err = backoff.Retry(spawn, s.RetryPolicy)
	} else {
		err = spawn()
	}
	if err != nil {
		s.results <- Result{ID: id, Err: fmt.Errorf("process: spawn %v: %w", argv, err)}
		return
	}

	waitErr := cmd.Wait()
	status, err := statusFromWaitError(waitErr)
	if err != nil {
		s.results <- Result{ID: id, Stderr: stderr.String(), Err: err}
		return
	}
	s.results <- Result{ID: id, Status: status, Stderr: stderr.String()}
}

// statusFromWaitError converts os/exec.Cmd.Wait's error (nil on success,
// *exec.ExitError on nonzero exit or signal death) into the Status union.
func statusFromWaitError(waitErr error) (Status, error) {
	if waitErr == nil {
		return Status{Kind: StatusCode, Code: 0}, nil
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return Status{}, fmt.Errorf("process: wait: %w", waitErr)
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Status{Kind: StatusCode, Code: int64(exitErr.ExitCode())}, nil
	}
	if ws.Signaled() {
		return Status{Kind: StatusSignal, Signal: int32(ws.Signal())}, nil
	}
	return Status{Kind: StatusCode, Code: int64(ws.ExitStatus())}, nil
}

// Close waits for every in-flight spawn's goroutine to finish reaping
// before returning, then closes Results. Per spec.md §4.6, children are
// never left zombie once the loop shuts down cleanly — Close is how the
// engine guarantees that on its own exit path. It does not kill running
// children; it only waits for them (killing on shutdown is a documented
// non-goal, spec.md §4.6).
func (s *Supervisor) Close() {
	_ = s.group.Wait() // always nil: run() never returns an error, see run's comment
	close(s.results)
}
