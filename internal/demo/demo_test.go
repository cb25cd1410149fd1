package demo_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderunner/kestrel/internal/demo"
	"github.com/coderunner/kestrel/internal/engine"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kind"
	"github.com/coderunner/kestrel/internal/squeue"
	"github.com/coderunner/kestrel/internal/store"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fakeDB is a minimal in-memory store.Database, mirroring internal/engine's
// test double.
type fakeDB struct {
	mu      sync.Mutex
	entries map[fingerprint.FP]store.Entry
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

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileKindQueryAnswerHashesContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hello")

	a, err := demo.FileKind.QueryAnswer(demo.FileQuestion{Path: path})
	require.NoError(t, err)
	require.Equal(t, sha256Hex("hello"), a.(string))
}

func TestFileKindQueryAnswerMissingFileErrors(t *testing.T) {
	_, err := demo.FileKind.QueryAnswer(demo.FileQuestion{Path: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestConcatKindQueryAnswerIndependentlyRecomputes(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "foo")
	b := writeFile(t, dir, "b.txt", "bar")
	out := filepath.Join(dir, "out.txt")

	v, err := demo.ConcatKind.QueryAnswer(demo.ConcatQuestion{Paths: []string{a, b}, Output: out})
	require.NoError(t, err)
	require.Equal(t, sha256Hex("foobar"), v.(string))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "foobar", string(written))
}

func TestConcatDispatchNeedsEachFile(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "foo")
	b := writeFile(t, dir, "b.txt", "bar")
	out := filepath.Join(dir, "out.txt")

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(demo.FileKind, demo.ConcatKind), q, nil, nil)

	code, err := e.Run(demo.ConcatKind, demo.ConcatQuestion{Paths: []string{a, b}, Output: out})
	require.NoError(t, err)
	require.Equal(t, 0, code)

	entries, err := db.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3, "concat root plus two file leaves")

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "foobar", string(written))
}

func TestConcatDispatchFailsWhenAFileIsMissing(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "foo")
	missing := filepath.Join(dir, "missing.txt")
	out := filepath.Join(dir, "out.txt")

	db := newFakeDB()
	q := squeue.NewChanQueue()
	e := engine.New(context.Background(), db, kind.NewSet(demo.FileKind, demo.ConcatKind), q, nil, nil)

	code, err := e.Run(demo.ConcatKind, demo.ConcatQuestion{Paths: []string{a, missing}, Output: out})
	require.Error(t, err)
	require.Equal(t, 2, code)
}

func TestWatchRebuildsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "v1")

	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- demo.Watch(ctx, nil, []string{path}, func() error {
			atomic.AddInt32(&calls, 1)
			if atomic.LoadInt32(&calls) >= 2 {
				cancel()
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 1
	}, time.Second, 10*time.Millisecond, "initial rebuild never ran")

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch never observed the file change")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
