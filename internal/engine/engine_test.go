package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coderunner/kestrel/internal/answer"
	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/engine"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/process"
	"github.com/coderunner/kestrel/internal/squeue"
	"github.com/coderunner/kestrel/internal/store"
)

// fakeDB is a minimal in-memory store.Database.
type fakeDB struct {
	mu      sync.Mutex
	entries map[fingerprint.FP]store.Entry
	puts    int32
}

func newFakeDB() *fakeDB { return &fakeDB{entries: map[fingerprint.FP]store.Entry{}} }

func (f *fakeDB) Get(_ context.Context, fp fingerprint.FP) (store.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[fp]
	return e, ok, nil
}

func (f *fakeDB) Put(_ context.Context, fp fingerprint.FP, answerBytes []byte, deps []fingerprint.FP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[fp] = store.Entry{FP: fp, Answer: answerBytes, Deps: deps}
	atomic.AddInt32(&f.puts, 1)
	return nil
}

func (f *fakeDB) Forget(_ context.Context, fp fingerprint.FP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, fp)
	return nil
}

func (f *fakeDB) List(_ context.Context) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeDB) Close() error { return nil }

// u32AnswerKind: answers are plain uint32 counters.
func u32AnswerKind(id string) *kind.AnswerKind {
	return &kind.AnswerKind{
		UUID: uuid.MustParse(id),
		Name: "u32",
		Equal: func(a, b kind.Instance) bool {
			return a.(uint32) == b.(uint32)
		},
		Serialize: func(a kind.Instance, sink codec.Sink) {
			sink.WriteU32BE(a.(uint32))
		},
		Deserialize: func(src codec.Source) (kind.Instance, error) {
			return src.ReadU32BE()
		},
	}
}

// probeKind is a leaf kind: string question keys into a world map, no
// dependencies, answer computed directly by QueryAnswer — the engine test
// analog of hashing a file's content.
func probeKind(world map[string]uint32, queries *int32) *kind.Kind {
	return &kind.Kind{
		UUID:       uuid.MustParse("00000000-0000-0000-0000-0000000000a1"),
		Name:       "probe",
		AnswerKind: u32AnswerKind("00000000-0000-0000-0000-0000000000a2"),
		QueryAnswer: func(q kind.Instance) (kind.Instance, error) {
			if queries != nil {
				atomic.AddInt32(queries, 1)
			}
			key := q.(string)
			v, ok := world[key]
			if !ok {
				return nil, fmt.Errorf("probe: %s not in world", key)
			}
			return v, nil
		},
		Equal:       func(a, b kind.Instance) bool { return a.(string) == b.(string) },
		Replicate:   func(q kind.Instance) kind.Instance { return q },
		Serialize:   func(q kind.Instance, sink codec.Sink) { codec.WriteString(sink, q.(string)) },
		Deserialize: func(src codec.Source) (kind.Instance, error) { return codec.ReadString(src) },
	}
}

// sumQuestion names two probeKind keys to add together.
type sumQuestion struct{ A, B string }

// sumKind needs two probeKind answers and sums them (spec.md §4.5.1's
// suspend-on-need pattern).
func sumKind(leaf *kind.Kind, dispatches *int32) *kind.Kind {
	k := &kind.Kind{
		UUID:       uuid.MustParse("00000000-0000-0000-0000-0000000000b1"),
		Name:       "sum",
		AnswerKind: u32AnswerKind("00000000-0000-0000-0000-0000000000b2"),
		QueryAnswer: func(kind.Instance) (kind.Instance, error) {
			return nil, fmt.Errorf("sum: has dependencies, not independently queryable")
		},
		Equal: func(a, b kind.Instance) bool {
			qa, qb := a.(sumQuestion), b.(sumQuestion)
			return qa.A == qb.A && qa.B == qb.B
		},
		Replicate: func(q kind.Instance) kind.Instance { return q },
		Serialize: func(q kind.Instance, sink codec.Sink) {
			sq := q.(sumQuestion)
			codec.WriteString(sink, sq.A)
			codec.WriteString(sink, sq.B)
		},
		Deserialize: func(src codec.Source) (kind.Instance, error) {
			a, err := codec.ReadString(src)
			if err != nil {
				return nil, err
			}
			b, err := codec.ReadString(src)
			if err != nil {
				return nil, err
			}
			return sumQuestion{A: a, B: b}, nil
		},
	}
	k.Dispatch = func(ctx *engine.DispatchContext) {
		if dispatches != nil {
			atomic.AddInt32(dispatches, 1)
		}
		q := ctx.Question.(sumQuestion)
		results := ctx.Need(
			answer.Dep{Kind: leaf, Question: q.A},
			answer.Dep{Kind: leaf, Question: q.B},
		)
		if !results[0].OK || !results[1].OK {
			ctx.Fail(fmt.Errorf("sum: a dependency failed"))
			return
		}
		ctx.SucceedAnswer(results[0].Answer.(uint32) + results[1].Answer.(uint32))
	}
	return k
}

// selfKind needs itself, exercising cycle detection (spec.md §4.5.4).
func selfKind() *kind.Kind {
	k := &kind.Kind{
		UUID:       uuid.MustParse("00000000-0000-0000-0000-0000000000c1"),
		Name:       "self-cycle",
		AnswerKind: u32AnswerKind("00000000-0000-0000-0000-0000000000c2"),
		QueryAnswer: func(kind.Instance) (kind.Instance, error) {
			return nil, fmt.Errorf("self-cycle: not independently queryable")
		},
		Equal:       func(a, b kind.Instance) bool { return a.(string) == b.(string) },
		Replicate:   func(q kind.Instance) kind.Instance { return q },
		Serialize:   func(q kind.Instance, sink codec.Sink) { codec.WriteString(sink, q.(string)) },
		Deserialize: func(src codec.Source) (kind.Instance, error) { return codec.ReadString(src) },
	}
	k.Dispatch = func(ctx *engine.DispatchContext) {
		q := ctx.Question.(string)
		results := ctx.Need(answer.Dep{Kind: k, Question: q})
		if !results[0].OK {
			ctx.Fail(fmt.Errorf("self-cycle: dependency on self failed: %w", results[0].Err))
			return
		}
		ctx.SucceedAnswer(uint32(0))
	}
	return k
}

func TestLeafDispatchSucceedsAndCaches(t *testing.T) {
	world := map[string]uint32{"a": 7}
	var queries int32
	leaf := probeKind(world, &queries)

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(leaf), q, nil, nil)

	code, err := e.Run(leaf, "a")
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.EqualValues(t, 1, atomic.LoadInt32(&queries))
	require.EqualValues(t, 1, atomic.LoadInt32(&db.puts))

	// Second run over the same database must hit the cache: no further
	// QueryAnswer call, no further Put.
	q2 := squeue.NewChanQueue()
	e2 := engine.New(context.Background(), db, kind.NewSet(leaf), q2, nil, nil)
	code2, err2 := e2.Run(leaf, "a")
	require.NoError(t, err2)
	require.Equal(t, 0, code2)
	require.EqualValues(t, 1, atomic.LoadInt32(&queries), "cache hit must not re-invoke QueryAnswer")
	require.EqualValues(t, 1, atomic.LoadInt32(&db.puts), "cache hit must not re-Put")
}

func TestLeafDispatchFailurePropagatesExitCode2(t *testing.T) {
	world := map[string]uint32{} // "missing" key always fails QueryAnswer
	leaf := probeKind(world, nil)

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(leaf), q, nil, nil)
	code, err := e.Run(leaf, "missing")
	require.Error(t, err)
	require.Equal(t, 2, code)
	require.Zero(t, atomic.LoadInt32(&db.puts), "a failed context must never be persisted")
}

func TestCompositeNeedSumsDependencies(t *testing.T) {
	world := map[string]uint32{"a": 3, "b": 4}
	var queries, dispatches int32
	leaf := probeKind(world, &queries)
	sum := sumKind(leaf, &dispatches)

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(leaf, sum), q, nil, nil)

	code, err := e.Run(sum, sumQuestion{A: "a", B: "b"})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.EqualValues(t, 2, atomic.LoadInt32(&queries))
	require.EqualValues(t, 1, atomic.LoadInt32(&dispatches))

	// Root and both leaves persisted.
	entries, err := db.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestCompositeFailurePropagatesFromDependency(t *testing.T) {
	world := map[string]uint32{"a": 3} // "b" is missing, leaf QueryAnswer errors
	leaf := probeKind(world, nil)
	sum := sumKind(leaf, nil)

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(leaf, sum), q, nil, nil)

	code, err := e.Run(sum, sumQuestion{A: "a", B: "b"})
	require.Error(t, err)
	require.Equal(t, 2, code)

	entries, err := db.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the successful leaf ('a') should be persisted")
}

func TestDuplicateInFlightFingerprintDispatchesOnce(t *testing.T) {
	world := map[string]uint32{"a": 7}
	var queries int32
	leaf := probeKind(world, &queries)

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(leaf), q, nil, nil)

	// Pre-enqueue a second item for the exact fingerprint Run's root item
	// will use. Both share one in-flight dispatch (spec.md §8 scenario 5);
	// this one's Deliver is the thing under test, Run's own root item is
	// what lets Run return normally.
	var extraAns kind.Instance
	var extraOK bool
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, q.Enqueue(squeue.Item{
		FP:       fingerprint.Of(leaf, "a"),
		Kind:     leaf,
		Question: "a",
		Deliver: func(a kind.Instance, ok bool) {
			extraAns, extraOK = a, ok
			wg.Done()
		},
	}))

	code, err := e.Run(leaf, "a")
	require.NoError(t, err)
	require.Equal(t, 0, code)

	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&queries), "two items sharing a fingerprint must dispatch once")
	require.True(t, extraOK)
	require.EqualValues(t, 7, extraAns.(uint32))
}

func TestCycleDetectionFailsWithoutDeadlock(t *testing.T) {
	self := selfKind()

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(self), q, nil, nil)

	done := make(chan struct{})
	var code int
	var runErr error
	go func() {
		code, runErr = e.Run(self, "x")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine deadlocked on a self-referential dependency")
	}

	require.Error(t, runErr)
	require.Equal(t, 2, code)
	require.ErrorIs(t, runErr, kerrors.ErrCycle)
	var dispatchFail *kerrors.DispatchFail
	require.ErrorAs(t, runErr, &dispatchFail)
}

func TestSpawnRunsChildProcessAndReturnsStatus(t *testing.T) {
	world := map[string]uint32{"a": 1}
	leaf := probeKind(world, nil)

	spawner := &kind.Kind{
		UUID:       uuid.MustParse("00000000-0000-0000-0000-0000000000d1"),
		Name:       "spawner",
		AnswerKind: u32AnswerKind("00000000-0000-0000-0000-0000000000d2"),
		QueryAnswer: func(kind.Instance) (kind.Instance, error) {
			return nil, fmt.Errorf("spawner: not independently queryable")
		},
		Equal:       func(a, b kind.Instance) bool { return a.(string) == b.(string) },
		Replicate:   func(q kind.Instance) kind.Instance { return q },
		Serialize:   func(q kind.Instance, sink codec.Sink) { codec.WriteString(sink, q.(string)) },
		Deserialize: func(src codec.Source) (kind.Instance, error) { return codec.ReadString(src) },
	}
	spawner.Dispatch = func(ctx *engine.DispatchContext) {
		status, _, err := ctx.Spawn(context.Background(), "", []string{"true"})
		if err != nil || !status.Success() {
			ctx.Fail(fmt.Errorf("child process failed: %v", err))
			return
		}
		ctx.SucceedAnswer(uint32(1))
	}

	db := newFakeDB()
	q := squeue.NewChanQueue()
	proc := process.New()
	e := engine.New(context.Background(), db, kind.NewSet(leaf, spawner), q, proc, nil)

	code, err := e.Run(spawner, "run-it")
	require.NoError(t, err)
	require.Equal(t, 0, code)
}
