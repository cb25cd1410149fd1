// Package answer implements the answer context (spec.md §4.5): the
// per-in-flight-question state machine a dispatcher runs inside. A Context
// tracks NEW → RUNNING → WAITING → RUNNING → RESOLVED/FAILED, de-duplicates
// repeated questions within one need() call, and accumulates the dependency
// fingerprints a question touches so the engine can persist them alongside
// its answer.
//
// Context itself knows nothing about the in-flight registry, cycle
// detection, or the database — those are the engine's job (spec.md §4.5.4
// calls out in_flight as engine-owned state). Context talks to its host
// only through the Callbacks it's given at construction.
package answer

import (
	"fmt"
	"sync"

	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/kind"
)

// State is one point in the answer context lifecycle (spec.md §4.5).
type State int

const (
	StateNew State = iota
	StateRunning
	StateWaiting
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dep is one dependency named in a Need call: the kind that knows how to
// operate on Question, and the question instance itself.
type Dep struct {
	Kind     *kind.Kind
	Question kind.Instance
}

// Resolved is one Need result slot. Err is nil whenever OK is true. When OK
// is false because the engine rejected the dependency at need time (a
// cycle), Err carries that reason, so a composite dispatcher's own Fail call
// can wrap and propagate it. When the dependency was dispatched and its own
// context failed, OK is false and Err is nil: that failure's reason is not
// passed back to the caller.
type Resolved struct {
	Answer kind.Instance
	OK     bool
	Err    error
}

// Callbacks is the engine's hook into one Context's lifecycle.
type Callbacks struct {
	// Resolve is called once per Need, with duplicate questions already
	// collapsed to a single entry (in first-occurrence order). It must
	// return exactly len(deps) results, in the same order, and must not
	// return until every dependency has reached a terminal state
	// (resolved or failed) — this is the suspension point spec.md §4.5.1
	// describes as blocking the caller until every dependency resolves.
	Resolve func(caller fingerprint.FP, deps []Dep) []Resolved

	// Finish is called exactly once, when the context reaches RESOLVED or
	// FAILED. deps is the full set of dependency fingerprints collected
	// across every Need call on this context, in first-occurrence order.
	Finish func(fp fingerprint.FP, k *kind.Kind, answer kind.Instance, ok bool, err error, deps []fingerprint.FP)
}

// Context is one in-flight question's state machine. The zero value is not
// usable; construct with New.
type Context struct {
	FP       fingerprint.FP
	Kind     *kind.Kind
	Question kind.Instance

	cb Callbacks

	mu            sync.Mutex
	state         State
	seen          map[fingerprint.FP]bool
	collectedDeps []fingerprint.FP
	resolved      bool
}

// New constructs a Context for fp, ready to run. The engine is expected to
// call New immediately before invoking the dispatcher, so the state starts
// at RUNNING rather than the nominally-transient NEW.
func New(fp fingerprint.FP, k *kind.Kind, question kind.Instance, cb Callbacks) *Context {
	return &Context{
		FP:       fp,
		Kind:     k,
		Question: question,
		cb:       cb,
		state:    StateRunning,
		seen:     make(map[fingerprint.FP]bool),
	}
}

// State returns the context's current state. Safe to call from any
// goroutine; intended for diagnostics and tests.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Need suspends the dispatcher until every dependency in deps has resolved
// (spec.md §4.5.1). Questions that compare equal to one another within this
// single call are de-duplicated: the underlying Resolve callback sees each
// distinct question once, and every duplicate's output slot carries the
// same Resolved value. Results are returned in deps' input order.
//
// Need panics if called after the context has already reached a terminal
// state — a dispatcher goroutine must stop touching its Context once it has
// called Succeed, SucceedAnswer, or Fail.
func (c *Context) Need(deps ...Dep) []Resolved {
	if len(deps) == 0 {
		return nil
	}

	fps := make([]fingerprint.FP, len(deps))
	for i, d := range deps {
		fps[i] = fingerprint.Of(d.Kind, d.Question)
	}

	// Collapse to first-occurrence-unique deps for the Resolve call, and
	// remember how to scatter its results back to every input slot.
	var uniqueFPs []fingerprint.FP
	var uniqueDeps []Dep
	posInUnique := make([]int, len(deps))
	for i, fp := range fps {
		pos := -1
		for j, ufp := range uniqueFPs {
			if ufp == fp {
				pos = j
				break
			}
		}
		if pos == -1 {
			pos = len(uniqueFPs)
			uniqueFPs = append(uniqueFPs, fp)
			uniqueDeps = append(uniqueDeps, deps[i])
		}
		posInUnique[i] = pos
	}

	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		panic("answer: Need called on a context that already resolved or failed")
	}
	c.state = StateWaiting
	for _, fp := range uniqueFPs {
		if !c.seen[fp] {
			c.seen[fp] = true
			c.collectedDeps = append(c.collectedDeps, fp)
		}
	}
	c.mu.Unlock()

	uniqueResults := c.cb.Resolve(c.FP, uniqueDeps)

	out := make([]Resolved, len(deps))
	for i, pos := range posInUnique {
		out[i] = uniqueResults[pos]
	}

	c.mu.Lock()
	if !c.resolved {
		c.state = StateRunning
	}
	c.mu.Unlock()

	return out
}

// Succeed computes the answer by calling the question's QueryAnswer and
// resolves the context with it (spec.md §4.5.2's succeed()). If QueryAnswer
// itself returns an error, the context fails instead.
func (c *Context) Succeed() {
	a, err := c.Kind.QueryAnswer(c.Question)
	if err != nil {
		c.Fail(err)
		return
	}
	c.SucceedAnswer(a)
}

// SucceedAnswer resolves the context directly with a caller-supplied answer
// (spec.md §4.5.2's succeed_answer(a)), skipping QueryAnswer — for
// dispatchers that already computed the answer as a side effect of
// satisfying their dependencies.
func (c *Context) SucceedAnswer(a kind.Instance) {
	c.finish(a, true, nil)
}

// Fail transitions the context to FAILED. No database write occurs for a
// failed context (spec.md §4.5.3): its fingerprint is left absent so the
// next build retries it from scratch. err is wrapped as a
// kerrors.DispatchFail (spec.md §7: a dispatcher's own fail(e) call
// propagates as a DispatchFail), so errors.Is against whatever sentinel
// caused it — kerrors.ErrCycle, kerrors.ErrChildNonZero, a dependency's own
// DispatchFail — still succeeds through the wrapper.
func (c *Context) Fail(err error) {
	c.finish(nil, false, kerrors.NewDispatchFail(err))
}

func (c *Context) finish(a kind.Instance, ok bool, err error) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		panic("answer: succeed/fail called more than once on the same context")
	}
	c.resolved = true
	if ok {
		c.state = StateResolved
	} else {
		c.state = StateFailed
	}
	deps := append([]fingerprint.FP(nil), c.collectedDeps...)
	c.mu.Unlock()

	c.cb.Finish(c.FP, c.Kind, a, ok, err, deps)
}
