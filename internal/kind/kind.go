// Package kind implements the question/answer registry (spec.md §4.2): a
// KindSet maps UUIDs to the operation tables ("kinds") that know how to
// query, compare, serialize, and deserialize one question type.
package kind

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/coderunner/kestrel/internal/codec"
)

// Instance is the opaque value carried by a question or an answer. Kinds
// narrow this to their own concrete Go type inside their operation table;
// the engine never inspects an Instance directly.
type Instance interface{}

// AnswerKind describes the operations needed for one answer type: equality
// and the wire codec. Answers never need to be "queried" or "replicated" —
// only questions do.
type AnswerKind struct {
	UUID        uuid.UUID
	Name        string
	Equal       func(a, b Instance) bool
	Serialize   func(a Instance, sink codec.Sink)
	Deserialize func(src codec.Source) (Instance, error)
}

// Kind describes the operations for one question type (spec.md §3/§4.2).
//
//   - QueryAnswer computes an answer from the outside world (e.g. hashing a
//     file). It must be safe to call repeatedly and must not mutate engine
//     state; the engine enforces "never called concurrently with any other
//     operation on the same question" by construction (§5, single-threaded).
//   - Equal compares two question instances for identity of subject matter,
//     not structural/deep equality of any answer the engine may have cached.
//   - Replicate returns a deep copy of an instance. The engine does not call
//     it: dispatchers receive question instances as they were passed in.
type Kind struct {
	UUID        uuid.UUID
	Name        string
	AnswerKind  *AnswerKind
	QueryAnswer func(q Instance) (Instance, error)
	Equal       func(a, b Instance) bool
	Replicate   func(q Instance) Instance
	Serialize   func(q Instance, sink codec.Sink)
	Deserialize func(src codec.Source) (Instance, error)

	// Dispatch is the per-kind dispatcher coroutine (spec.md §6's "one
	// callable dispatch(ctx)", specialized per kind via the same
	// operation-table indirection as the rest of this struct). Nil means
	// the kind has no dependencies: the engine calls ctx.Succeed(),
	// relying solely on QueryAnswer.
	Dispatch interface{}
}

// ErrKindUnknown is returned by Set.Lookup when no Kind is registered under
// the requested UUID.
type ErrKindUnknown struct {
	UUID uuid.UUID
}

func (e *ErrKindUnknown) Error() string {
	return fmt.Sprintf("kind: unknown kind uuid %s", e.UUID)
}

// Set is an immutable-after-NewSet registry of question kinds, keyed by
// UUID. The database needs a Set to deserialize persisted questions during
// recheck (spec.md §4.3).
type Set struct {
	kinds map[uuid.UUID]*Kind
	order []uuid.UUID // insertion order, for deterministic iteration/tests
}

// NewSet builds a registry from the given kinds. It panics on a duplicate
// UUID or on a kind with a nil AnswerKind — both are programmer errors
// caught at start-up, not data errors to recover from at run time.
func NewSet(kinds ...*Kind) *Set {
	s := &Set{kinds: make(map[uuid.UUID]*Kind, len(kinds))}
	for _, k := range kinds {
		if k.AnswerKind == nil {
			panic(fmt.Sprintf("kind: %s (%s) has a nil AnswerKind", k.Name, k.UUID))
		}
		if _, dup := s.kinds[k.UUID]; dup {
			panic(fmt.Sprintf("kind: duplicate uuid %s", k.UUID))
		}
		s.kinds[k.UUID] = k
		s.order = append(s.order, k.UUID)
	}
	return s
}

// Lookup returns the Kind registered for id, or ErrKindUnknown.
func (s *Set) Lookup(id uuid.UUID) (*Kind, error) {
	k, ok := s.kinds[id]
	if !ok {
		return nil, &ErrKindUnknown{UUID: id}
	}
	return k, nil
}

// All returns every registered kind in registration order.
func (s *Set) All() []*Kind {
	out := make([]*Kind, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.kinds[id])
	}
	return out
}

// UUIDs returns every registered UUID, sorted for deterministic display
// (e.g. in a "doctor"-style diagnostic command).
func (s *Set) UUIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.kinds))
	for id := range s.kinds {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
