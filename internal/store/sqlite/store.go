// Package sqlite implements store.Database on top of SQLite, using
// github.com/ncruces/go-sqlite3 — a pure-Go, WASM-backed driver that needs
// no cgo toolchain, matching the teacher's storage/sqlite package almost
// line for line in its connection setup.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the database/sql driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite WASM binary
	"github.com/tetratelabs/wazero"

	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS answers (
	fingerprint BLOB PRIMARY KEY,
	answer_bytes BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS deps (
	parent BLOB NOT NULL,
	seq INTEGER NOT NULL,
	child BLOB NOT NULL,
	PRIMARY KEY (parent, seq)
);

CREATE INDEX IF NOT EXISTS idx_deps_parent ON deps(parent);
`

// setupWASMCache configures a filesystem-backed compilation cache for the
// WASM SQLite runtime, so the ~200ms WASM JIT cost is paid once per
// machine instead of once per process invocation. Grounded on the
// teacher's setupWASMCache/init() in internal/storage/sqlite/store.go.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "kestrel", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Store is a store.Database backed by a single SQLite file (or a
// shared-cache in-memory database for tests).
type Store struct {
	db     *sql.DB
	path   string
	closed bool
}

// Open creates or opens a SQLite-backed Database at path. path may be
// ":memory:" for an ephemeral shared-cache in-memory database (tests only —
// shared cache is required so the connection pool's multiple connections
// observe the same data).
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithTimeout(ctx, path, 30*time.Second)
}

// OpenWithTimeout is Open with a configurable SQLITE_BUSY retry window. A
// timeout of 0 means fail immediately when the database is locked by
// another process.
func OpenWithTimeout(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	timeoutMs := int64(busyTimeout / time.Millisecond)
	isMemory := path == ":memory:"

	var connStr string
	if isMemory {
		connStr = fmt.Sprintf(
			"file:kestrel-mem?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(%d)",
			timeoutMs,
		)
	} else {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("%w: create store directory: %w", kerrors.ErrStoreIO, err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, timeoutMs)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", kerrors.ErrStoreIO, err)
	}

	if isMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: enable WAL mode: %w", kerrors.ErrStoreIO, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", kerrors.ErrStoreIO, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialize schema: %w", kerrors.ErrStoreIO, err)
	}

	absPath := path
	if !isMemory {
		if p, err := filepath.Abs(path); err == nil {
			absPath = p
		}
	}

	return &Store{db: db, path: absPath}, nil
}

// Path returns the absolute path to the database file ("" for in-memory).
func (s *Store) Path() string {
	if strings.Contains(s.path, "mode=memory") || s.path == ":memory:" {
		return ""
	}
	return s.path
}

func (s *Store) Get(ctx context.Context, fp fingerprint.FP) (store.Entry, bool, error) {
	var answer []byte
	err := s.db.QueryRowContext(ctx, `SELECT answer_bytes FROM answers WHERE fingerprint = ?`, fp.Bytes()).Scan(&answer)
	if err == sql.ErrNoRows {
		return store.Entry{}, false, nil
	}
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("%w: get answer: %w", kerrors.ErrStoreIO, err)
	}

	deps, err := s.deps(ctx, fp)
	if err != nil {
		return store.Entry{}, false, err
	}

	return store.Entry{FP: fp, Answer: answer, Deps: deps}, true, nil
}

func (s *Store) deps(ctx context.Context, fp fingerprint.FP) ([]fingerprint.FP, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT child FROM deps WHERE parent = ? ORDER BY seq ASC`, fp.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: get deps: %w", kerrors.ErrStoreIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []fingerprint.FP
	for rows.Next() {
		var child []byte
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("%w: scan dep: %w", kerrors.ErrStoreIO, err)
		}
		out = append(out, fingerprint.FP(child))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate deps: %w", kerrors.ErrStoreIO, err)
	}
	return out, nil
}

// Put atomically replaces fp's answer and dependency set (spec.md
// invariant 5): delete the old deps, insert the new ones, upsert the
// answer, all inside one transaction.
func (s *Store) Put(ctx context.Context, fp fingerprint.FP, answer []byte, deps []fingerprint.FP) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin put transaction: %w", kerrors.ErrStoreIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deps WHERE parent = ?`, fp.Bytes()); err != nil {
		return fmt.Errorf("%w: clear old deps: %w", kerrors.ErrStoreIO, err)
	}

	for i, d := range deps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deps (parent, seq, child) VALUES (?, ?, ?)`,
			fp.Bytes(), i, d.Bytes()); err != nil {
			return fmt.Errorf("%w: insert dep: %w", kerrors.ErrStoreIO, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO answers (fingerprint, answer_bytes) VALUES (?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET answer_bytes = excluded.answer_bytes
	`, fp.Bytes(), answer); err != nil {
		return fmt.Errorf("%w: upsert answer: %w", kerrors.ErrStoreIO, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit put transaction: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) Forget(ctx context.Context, fp fingerprint.FP) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin forget transaction: %w", kerrors.ErrStoreIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deps WHERE parent = ?`, fp.Bytes()); err != nil {
		return fmt.Errorf("%w: forget deps: %w", kerrors.ErrStoreIO, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM answers WHERE fingerprint = ?`, fp.Bytes()); err != nil {
		return fmt.Errorf("%w: forget answer: %w", kerrors.ErrStoreIO, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit forget transaction: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]store.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, answer_bytes FROM answers`)
	if err != nil {
		return nil, fmt.Errorf("%w: list answers: %w", kerrors.ErrStoreIO, err)
	}
	defer func() { _ = rows.Close() }()

	var out []store.Entry
	for rows.Next() {
		var fp, answer []byte
		if err := rows.Scan(&fp, &answer); err != nil {
			return nil, fmt.Errorf("%w: scan answer: %w", kerrors.ErrStoreIO, err)
		}
		out = append(out, store.Entry{FP: fingerprint.FP(fp), Answer: answer})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate answers: %w", kerrors.ErrStoreIO, err)
	}

	for i, e := range out {
		deps, err := s.deps(ctx, e.FP)
		if err != nil {
			return nil, err
		}
		out[i].Deps = deps
	}
	return out, nil
}

// CheckpointWAL flushes the write-ahead log to the main database file.
// Useful before copying the database file for backup.
func (s *Store) CheckpointWAL(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)")
	if err != nil {
		return fmt.Errorf("%w: checkpoint WAL: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close database: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}
