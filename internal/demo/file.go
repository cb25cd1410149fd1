// Package demo implements a small two-level question kind pair — hashing a
// file and concatenating several of them to an output file — exercised by
// cmd/kestrel's "build" subcommand. It exists to give the engine something
// concrete to dispatch: FileQuestion is a leaf (QueryAnswer hashes the
// outside world directly), ConcatQuestion is composite (its Dispatch
// suspends on Need for every file it depends on, then writes the result).
package demo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/kind"
)

// FileQuestion asks for the SHA-256 digest of the current contents of the
// file at Path.
type FileQuestion struct {
	Path string
}

// hashString returns data's SHA-256 digest as a lowercase hex string.
func hashString(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var hashAnswerKind = &kind.AnswerKind{
	UUID: uuid.MustParse("6f1b9d2a-6b0a-4e7b-9b0a-4a7a1f7f0001"),
	Name: "sha256",
	Equal: func(a, b kind.Instance) bool {
		return a.(string) == b.(string)
	},
	Serialize: func(a kind.Instance, sink codec.Sink) {
		codec.WriteString(sink, a.(string))
	},
	Deserialize: func(src codec.Source) (kind.Instance, error) {
		return codec.ReadString(src)
	},
}

// FileKind is a leaf: its answer is the SHA-256 hex digest of the file's
// bytes at dispatch time, so RecheckAll's content-drift comparison
// (spec.md §4.3) only needs to re-read and re-hash the file, never the
// engine.
var FileKind = &kind.Kind{
	UUID:       uuid.MustParse("6f1b9d2a-6b0a-4e7b-9b0a-4a7a1f7f0002"),
	Name:       "file",
	AnswerKind: hashAnswerKind,
	QueryAnswer: func(q kind.Instance) (kind.Instance, error) {
		path := q.(FileQuestion).Path
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("demo: read %s: %w", path, err)
		}
		return hashString(data), nil
	},
	Equal: func(a, b kind.Instance) bool {
		return a.(FileQuestion).Path == b.(FileQuestion).Path
	},
	Replicate: func(q kind.Instance) kind.Instance { return q },
	Serialize: func(q kind.Instance, sink codec.Sink) {
		codec.WriteString(sink, q.(FileQuestion).Path)
	},
	Deserialize: func(src codec.Source) (kind.Instance, error) {
		p, err := codec.ReadString(src)
		if err != nil {
			return nil, err
		}
		return FileQuestion{Path: p}, nil
	},
	// Dispatch left nil: no dependencies, the engine calls Succeed directly.
}
