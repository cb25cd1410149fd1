package demo

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/coderunner/kestrel/internal/answer"
	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/engine"
	"github.com/coderunner/kestrel/internal/kind"
)

// ConcatQuestion asks for the concatenation of every file at Paths, in
// order, written to Output.
type ConcatQuestion struct {
	Paths  []string
	Output string
}

// buildOutput reads every path's current content, concatenates it to
// output, and returns the SHA-256 hex digest of the result — the work
// ConcatKind's QueryAnswer and Dispatch both need, independent of the
// engine so RecheckAll (spec.md §4.3) can recompute it without a running
// loop to suspend into.
func buildOutput(paths []string, output string) (string, error) {
	var out []byte
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return "", err
		}
		out = append(out, data...)
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", output, err)
	}
	return hashString(out), nil
}

// ConcatKind is composite: its Dispatch suspends on a FileKind Need per
// path (so the engine's caching and recheck machinery sees the
// dependency), then re-reads and concatenates the same paths' current
// bytes to Output and succeeds with a hash of the result. QueryAnswer
// performs the identical read-concatenate-write-hash sequence directly,
// without going through the engine, so it is independently verifiable.
var ConcatKind = &kind.Kind{
	UUID:       uuid.MustParse("6f1b9d2a-6b0a-4e7b-9b0a-4a7a1f7f0003"),
	Name:       "concat",
	AnswerKind: hashAnswerKind,
	QueryAnswer: func(q kind.Instance) (kind.Instance, error) {
		cq := q.(ConcatQuestion)
		digest, err := buildOutput(cq.Paths, cq.Output)
		if err != nil {
			return nil, fmt.Errorf("demo: concat: %w", err)
		}
		return digest, nil
	},
	Equal: func(a, b kind.Instance) bool {
		qa, qb := a.(ConcatQuestion), b.(ConcatQuestion)
		if qa.Output != qb.Output || len(qa.Paths) != len(qb.Paths) {
			return false
		}
		for i := range qa.Paths {
			if qa.Paths[i] != qb.Paths[i] {
				return false
			}
		}
		return true
	},
	Replicate: func(q kind.Instance) kind.Instance {
		cq := q.(ConcatQuestion)
		out := make([]string, len(cq.Paths))
		copy(out, cq.Paths)
		return ConcatQuestion{Paths: out, Output: cq.Output}
	},
	Serialize: func(q kind.Instance, sink codec.Sink) {
		cq := q.(ConcatQuestion)
		sink.WriteU32BE(uint32(len(cq.Paths)))
		for _, p := range cq.Paths {
			codec.WriteString(sink, p)
		}
		codec.WriteString(sink, cq.Output)
	},
	Deserialize: func(src codec.Source) (kind.Instance, error) {
		n, err := src.ReadU32BE()
		if err != nil {
			return nil, err
		}
		paths := make([]string, n)
		for i := range paths {
			p, err := codec.ReadString(src)
			if err != nil {
				return nil, err
			}
			paths[i] = p
		}
		output, err := codec.ReadString(src)
		if err != nil {
			return nil, err
		}
		return ConcatQuestion{Paths: paths, Output: output}, nil
	},
}

func init() {
	ConcatKind.Dispatch = func(ctx *engine.DispatchContext) {
		q := ctx.Question.(ConcatQuestion)

		deps := make([]answer.Dep, len(q.Paths))
		for i, p := range q.Paths {
			deps[i] = answer.Dep{Kind: FileKind, Question: FileQuestion{Path: p}}
		}

		results := ctx.Need(deps...)
		for _, r := range results {
			if !r.OK {
				if r.Err != nil {
					ctx.Fail(fmt.Errorf("demo: concat: a dependency file failed: %w", r.Err))
				} else {
					ctx.Fail(fmt.Errorf("demo: concat: a dependency file failed"))
				}
				return
			}
		}

		digest, err := buildOutput(q.Paths, q.Output)
		if err != nil {
			ctx.Fail(fmt.Errorf("demo: concat: %w", err))
			return
		}
		ctx.SucceedAnswer(digest)
	}
}
