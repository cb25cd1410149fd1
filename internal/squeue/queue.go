// Package squeue implements the question queue (spec.md §4.4): a FIFO of
// pending dispatch items with a wake signal, in two variants sharing one
// interface — self-signaled (the loop polls directly) and
// OS-event-signaled (enqueue wakes a shared channel, standing in for a
// kernel event object or eventfd; this is the idiomatic Go rendition —
// any goroutine that enqueues signals the channel the main loop selects
// on). The process supervisor in internal/process does not use this
// channel: it reports child exits on its own Results channel, which the
// main loop selects on alongside Wake.
package squeue

import (
	"sync"
	"time"

	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/kind"
)

// Item is the unit the scheduler moves: a question to dispatch, the kind
// that knows how to operate on it, and the callback to invoke with the
// result exactly once.
type Item struct {
	FP       fingerprint.FP
	Kind     *kind.Kind
	Question kind.Instance
	Deliver  func(answer kind.Instance, ok bool)
}

// Queue is a FIFO of pending Items with a wake signal. Enqueue never
// blocks and is safe to call from any goroutine (including, conceptually,
// a signal handler — the Go rendition of that requirement is a mutex-free
// or short-critical-section Enqueue, which both variants below satisfy).
// Dequeue (TryDequeue) is single-consumer: only the main loop calls it.
type Queue interface {
	// Enqueue appends item to the back of the queue and signals the wake
	// source. Returns ErrClosed if Close has already been called.
	Enqueue(item Item) error

	// TryDequeue is non-blocking. ok reports whether an item was
	// returned; closed reports whether the queue is closed and drained
	// (no item, and no more will ever arrive).
	TryDequeue() (item Item, ok bool, closed bool)

	// Close marks the queue as closing. TryDequeue continues to drain
	// whatever is already enqueued; it only reports closed=true once the
	// queue is both closed and empty. Enqueue after Close returns
	// ErrClosed.
	Close()

	// Wake returns the channel the main loop selects on while idle. A
	// receive from Wake does not guarantee an item is available — the
	// loop must still call TryDequeue and handle the empty case (the
	// channel may have been signaled by a different producer, or by a
	// spurious/coalesced wake).
	Wake() <-chan struct{}
}

// ErrClosed is the sentinel Enqueue returns after Close — an alias of
// kerrors.ErrQueueClosed so callers outside this package can match on
// either name with errors.Is.
var ErrClosed = kerrors.ErrQueueClosed

// chanQueue is the OS-event-signaled variant: a mutex-guarded slice plus a
// buffered wake channel that Enqueue signals non-blockingly.
type chanQueue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
	wake   chan struct{}
}

// NewChanQueue returns the OS-event-signaled Queue variant: Enqueue
// signals a shared channel the main loop selects on, the Go analog of a
// kernel event queue or eventfd waking a poller.
func NewChanQueue() Queue {
	return &chanQueue{wake: make(chan struct{}, 1)}
}

func (q *chanQueue) Enqueue(item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
		// Already signaled; the loop will see this item on its next
		// drain regardless of how many enqueues coalesce into one wake.
	}
	return nil
}

func (q *chanQueue) TryDequeue() (Item, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false, q.closed
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true, false
}

func (q *chanQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *chanQueue) Wake() <-chan struct{} { return q.wake }

// pollQueue is the self-signaled variant: the same FIFO, but Wake returns
// a channel driven by a short ticker instead of per-enqueue signaling —
// matching the spec's "the loop polls the queue directly" description for
// single-threaded runs with no external producers.
type pollQueue struct {
	mu      sync.Mutex
	items   []Item
	closed  bool
	ticker  *time.Ticker
	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
}

// NewPollQueue returns the self-signaled Queue variant, polling at the
// given interval. A small interval (e.g. time.Millisecond) keeps the main
// loop responsive without per-enqueue signaling machinery.
func NewPollQueue(interval time.Duration) Queue {
	q := &pollQueue{
		ticker:  time.NewTicker(interval),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	go q.pump()
	return q
}

// pump forwards ticks onto the wake channel for the lifetime of the queue,
// the self-signaled counterpart of chanQueue's per-enqueue signal.
func (q *pollQueue) pump() {
	for {
		select {
		case <-q.ticker.C:
			select {
			case q.wake <- struct{}{}:
			default:
			}
		case <-q.closeCh:
			return
		}
	}
}

func (q *pollQueue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	return nil
}

func (q *pollQueue) TryDequeue() (Item, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false, q.closed
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true, false
}

func (q *pollQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.once.Do(func() {
		q.ticker.Stop()
		close(q.closeCh)
	})
	// One final signal so a loop blocked in Wake() observes the closed,
	// now-drainable queue without waiting for another tick that will
	// never come.
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *pollQueue) Wake() <-chan struct{} { return q.wake }
