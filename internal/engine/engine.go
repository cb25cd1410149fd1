// Package engine implements the main loop (spec.md §4.7): it drains the
// question queue, invokes the kind-specific dispatcher for each item, and
// produces the root answer.
//
// Every touch of in_flight, the ancestor/cycle-detection bookkeeping, and
// the database happens from a single goroutine — the loop goroutine started
// by Run. Dispatcher coroutines run on their own goroutines (the idiomatic
// Go rendition of "the dispatcher is a coroutine that suspends on need");
// they talk back to the loop goroutine only through the request channel, so
// the "single thread owns in_flight/database" contract (spec.md §5) holds
// even though many goroutines are alive at once.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/coderunner/kestrel/internal/answer"
	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/klog"
	"github.com/coderunner/kestrel/internal/process"
	"github.com/coderunner/kestrel/internal/squeue"
	"github.com/coderunner/kestrel/internal/store"
)

// Dispatcher is the per-kind dispatch coroutine. A kind.Kind stores one of
// these in its Dispatch field (typed as interface{} there to avoid an
// import cycle between kind and engine — kind can't import answer, which
// itself depends on kind).
type Dispatcher func(*DispatchContext)

// DispatchContext is the handle a Dispatcher runs with: the answer-context
// state machine (need/succeed/fail) plus engine-level extras (child process
// spawning).
type DispatchContext struct {
	*answer.Context
	engine *Engine
}

// Spawn runs argv as a child process and blocks the calling dispatcher
// goroutine until it exits (spec.md §4.6/§5: process-supervisor runs are a
// suspension point, just like need).
func (c *DispatchContext) Spawn(ctx context.Context, dir string, argv []string) (process.Status, string, error) {
	return c.engine.spawnAndWait(ctx, dir, argv)
}

// Engine owns the in-flight registry, the database, the question queue, and
// the process supervisor for one run.
type Engine struct {
	db    store.Database
	kinds *kind.Set
	queue squeue.Queue
	proc  *process.Supervisor
	log   *klog.Logger
	ctx   context.Context

	requests chan request

	spawnMu sync.Mutex
	pending map[uint64]chan process.Result

	// exclusively owned by the loop goroutine:
	inFlight  map[fingerprint.FP]*inflightEntry
	ancestors map[fingerprint.FP][]fingerprint.FP

	rootFP     fingerprint.FP
	rootResult chan rootOutcome
}

type rootOutcome struct {
	answer kind.Instance
	ok     bool
	err    error
}

// inflightEntry is the engine-owned wrapper around one answer.Context: the
// state machine lives in internal/answer, but the waiter list and ancestry
// used for de-duplication and cycle detection (spec.md §4.5.4) are the
// loop's own bookkeeping.
type inflightEntry struct {
	waiters []func(answer kind.Instance, ok bool)
}

// request is how a dispatcher goroutine's Need/Finish calls cross back into
// the loop goroutine.
type request struct {
	op     string // "need" or "finish"
	caller fingerprint.FP

	// need
	deps []answer.Dep
	resp chan []answer.Resolved

	// finish
	k             *kind.Kind
	answerValue   kind.Instance
	ok            bool
	err           error
	collectedDeps []fingerprint.FP
	finishDone    chan struct{}
}

// New constructs an Engine. proc may be nil if the run has no dispatcher
// that spawns child processes.
func New(ctx context.Context, db store.Database, kinds *kind.Set, q squeue.Queue, proc *process.Supervisor, log *klog.Logger) *Engine {
	if log == nil {
		log = klog.Discard()
	}
	if proc == nil {
		proc = process.New()
	}
	return &Engine{
		db:         db,
		kinds:      kinds,
		queue:      q,
		proc:       proc,
		log:        log,
		ctx:        ctx,
		requests:   make(chan request),
		pending:    make(map[uint64]chan process.Result),
		inFlight:   make(map[fingerprint.FP]*inflightEntry),
		ancestors:  make(map[fingerprint.FP][]fingerprint.FP),
		rootResult: make(chan rootOutcome, 1),
	}
}

// Run enqueues the root question, drives the main loop until it resolves,
// and returns the exit code from spec.md §6: 0 success, 1 if the run's
// context was cancelled with the root still pending (should be impossible
// in normal operation), 2 on root failure.
func (e *Engine) Run(rootKind *kind.Kind, rootQuestion kind.Instance) (int, error) {
	e.rootFP = fingerprint.Of(rootKind, rootQuestion)

	if err := e.queue.Enqueue(squeue.Item{
		FP:       e.rootFP,
		Kind:     rootKind,
		Question: rootQuestion,
		// Only successes are reported here (including cache hits, which
		// never reach handleFinish); a failed root is reported by
		// handleFinish, which also carries the failure's error.
		Deliver: func(a kind.Instance, ok bool) {
			if ok {
				e.rootResult <- rootOutcome{answer: a, ok: true}
			}
		},
	}); err != nil {
		return 2, fmt.Errorf("engine: enqueue root: %w", err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		e.loop()
	}()

	select {
	case outcome := <-e.rootResult:
		e.queue.Close()
		<-loopDone
		e.proc.Close()
		if !outcome.ok {
			return 2, outcome.err
		}
		return 0, nil
	case <-e.ctx.Done():
		e.queue.Close()
		<-loopDone
		e.proc.Close()
		return 1, e.ctx.Err()
	}
}

// loop is the single goroutine that ever touches inFlight/ancestors/db. It
// keeps running even after the queue is closed and drained as long as any
// dispatcher goroutine is still in flight (spec.md §5: "already-running
// dispatchers... run to completion; their results are simply dropped" —
// dropped, not orphaned: their Finish calls must still be serviced so those
// goroutines can exit and so Close never leaves the process supervisor with
// an unreaped child).
func (e *Engine) loop() {
	closing := false
	for {
		select {
		case <-e.queue.Wake():
			if e.drainQueue() {
				closing = true
			}
		case req := <-e.requests:
			e.handleRequest(req)
		case r, open := <-e.proc.Results():
			if open {
				e.deliverSpawnResult(r)
			}
		}
		if closing && len(e.inFlight) == 0 {
			return
		}
	}
}

// drainQueue dispatches every item currently queued and reports whether the
// queue is now closed and empty (the loop's signal to exit).
func (e *Engine) drainQueue() bool {
	for {
		item, ok, closed := e.queue.TryDequeue()
		if !ok {
			return closed
		}
		e.dispatchOne(item)
	}
}

// dispatchOne implements spec.md §4.7.1.
func (e *Engine) dispatchOne(item squeue.Item) {
	fp := item.FP

	if entry, exists := e.inFlight[fp]; exists {
		entry.waiters = append(entry.waiters, item.Deliver)
		return
	}

	if v, hit, valid := e.tryCacheHit(fp, item.Kind); hit && valid {
		item.Deliver(v, true)
		return
	}

	e.startDispatch(fp, item.Kind, item.Question, []func(kind.Instance, bool){item.Deliver}, nil)
}

// tryCacheHit consults the database for fp. hit reports whether an entry
// exists at all; valid reports whether every dependency fingerprint it
// recorded still has its own database entry (spec.md §4.7.1's existence
// shortcut — recheck_all is what detects content drift across runs; this
// check catches a dependency forgotten earlier in the *same* run).
func (e *Engine) tryCacheHit(fp fingerprint.FP, k *kind.Kind) (value kind.Instance, hit bool, valid bool) {
	entry, found, err := e.db.Get(e.background(), fp)
	if err != nil || !found {
		return nil, false, false
	}
	for _, dep := range entry.Deps {
		if _, depOK, _ := e.db.Get(e.background(), dep); !depOK {
			return nil, true, false
		}
	}
	src := codec.NewBufSource(entry.Answer)
	v, err := k.AnswerKind.Deserialize(src)
	if err != nil {
		return nil, true, false
	}
	return v, true, true
}

func (e *Engine) background() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}

// startDispatch registers a fresh answer context in in_flight and launches
// its dispatcher goroutine. ancestorChain is the chain of fingerprints that
// led to this dispatch (the caller plus its own ancestors), used for cycle
// detection in handleNeed; nil for the root.
func (e *Engine) startDispatch(fp fingerprint.FP, k *kind.Kind, q kind.Instance, waiters []func(kind.Instance, bool), ancestorChain []fingerprint.FP) {
	cb := answer.Callbacks{
		Resolve: func(caller fingerprint.FP, deps []answer.Dep) []answer.Resolved {
			resp := make(chan []answer.Resolved, 1)
			e.requests <- request{op: "need", caller: caller, deps: deps, resp: resp}
			return <-resp
		},
		Finish: func(fp fingerprint.FP, k *kind.Kind, a kind.Instance, ok bool, err error, deps []fingerprint.FP) {
			done := make(chan struct{})
			e.requests <- request{op: "finish", caller: fp, k: k, answerValue: a, ok: ok, err: err, collectedDeps: deps, finishDone: done}
			<-done
		},
	}

	actx := answer.New(fp, k, q, cb)
	e.inFlight[fp] = &inflightEntry{waiters: waiters}
	e.ancestors[fp] = ancestorChain

	go func() {
		dctx := &DispatchContext{Context: actx, engine: e}
		var dispatchFn func(*DispatchContext)
		switch fn := k.Dispatch.(type) {
		case func(*DispatchContext):
			dispatchFn = fn
		case Dispatcher:
			dispatchFn = fn
		}
		if dispatchFn != nil {
			dispatchFn(dctx)
		} else {
			dctx.Succeed()
		}
	}()
}

// handleRequest processes one need/finish request from a dispatcher
// goroutine. This is the only place in_flight/ancestors/the database are
// mutated.
func (e *Engine) handleRequest(req request) {
	switch req.op {
	case "need":
		e.handleNeed(req)
	case "finish":
		e.handleFinish(req)
	}
}

func (e *Engine) handleNeed(req request) {
	n := len(req.deps)
	if n == 0 {
		req.resp <- nil
		return
	}

	results := make([]answer.Resolved, n)
	var mu sync.Mutex
	remaining := n

	deliverSlot := func(i int, a kind.Instance, ok bool, err error) {
		mu.Lock()
		results[i] = answer.Resolved{Answer: a, OK: ok, Err: err}
		remaining--
		done := remaining == 0
		mu.Unlock()
		if done {
			req.resp <- results
		}
	}

	ancestorChain := append(append([]fingerprint.FP(nil), e.ancestors[req.caller]...), req.caller)

	for i, dep := range req.deps {
		i, dep := i, dep
		depFP := fingerprint.Of(dep.Kind, dep.Question)

		if isAncestor(e.ancestors[req.caller], depFP) || depFP == req.caller {
			cycleErr := fmt.Errorf("%w: %s needs itself transitively", kerrors.ErrCycle, dep.Kind.Name)
			e.log.Warn("cyclic dependency detected", "fp", string(depFP), "err", cycleErr)
			deliverSlot(i, nil, false, cycleErr)
			continue
		}

		if entry, exists := e.inFlight[depFP]; exists {
			entry.waiters = append(entry.waiters, func(a kind.Instance, ok bool) { deliverSlot(i, a, ok, nil) })
			continue
		}

		if v, hit, valid := e.tryCacheHit(depFP, dep.Kind); hit && valid {
			deliverSlot(i, v, true, nil)
			continue
		}

		e.startDispatch(depFP, dep.Kind, dep.Question, []func(kind.Instance, bool){
			func(a kind.Instance, ok bool) { deliverSlot(i, a, ok, nil) },
		}, ancestorChain)
	}
}

func isAncestor(chain []fingerprint.FP, fp fingerprint.FP) bool {
	for _, a := range chain {
		if a == fp {
			return true
		}
	}
	return false
}

func (e *Engine) handleFinish(req request) {
	entry, exists := e.inFlight[req.caller]
	if !exists {
		close(req.finishDone)
		return
	}
	delete(e.inFlight, req.caller)
	delete(e.ancestors, req.caller)

	if req.ok {
		sink := codec.NewBufSink(64)
		req.k.AnswerKind.Serialize(req.answerValue, sink)
		if err := e.db.Put(e.background(), req.caller, sink.Bytes(), req.collectedDeps); err != nil {
			e.log.Error("store put failed", "fp", string(req.caller), "err", err)
			req.ok = false
			req.err = fmt.Errorf("%w: %v", kerrors.ErrStoreIO, err)
		}
	}

	for _, w := range entry.waiters {
		w(req.answerValue, req.ok)
	}

	if req.caller == e.rootFP {
		e.rootResult <- rootOutcome{answer: req.answerValue, ok: req.ok, err: req.err}
	}

	close(req.finishDone)
}

func (e *Engine) spawnAndWait(ctx context.Context, dir string, argv []string) (process.Status, string, error) {
	id, err := e.proc.Spawn(ctx, dir, argv)
	if err != nil {
		return process.Status{}, "", err
	}

	ch := make(chan process.Result, 1)
	e.spawnMu.Lock()
	e.pending[id] = ch
	e.spawnMu.Unlock()

	select {
	case r := <-ch:
		return r.Status, r.Stderr, r.Err
	case <-ctx.Done():
		return process.Status{}, "", ctx.Err()
	}
}

// deliverSpawnResult routes a Result from the supervisor to whichever
// spawnAndWait call is blocked waiting on it. Only the loop goroutine calls
// this (it is the sole reader of proc.Results()), but the pending map still
// needs its own mutex since spawnAndWait (running on a dispatcher goroutine)
// inserts into it concurrently.
func (e *Engine) deliverSpawnResult(r process.Result) {
	e.spawnMu.Lock()
	ch, ok := e.pending[r.ID]
	if ok {
		delete(e.pending, r.ID)
	}
	e.spawnMu.Unlock()
	if ok {
		ch <- r
	}
}
