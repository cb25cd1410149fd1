// Package boltstore implements store.Database on top of go.etcd.io/bbolt, a
// single-file embedded KV store with native ACID transactions. It is the
// schema-less alternative to store/sqlite: the fingerprint → (answer,
// deps) map spec.md §4.3 describes maps onto bbolt's nested buckets
// directly, with no SQL layer in between.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/store"
)

var (
	answersBucket = []byte("answers")
	depsBucket    = []byte("deps") // one sub-bucket per parent fingerprint, keyed seq -> child
)

// Store is a store.Database backed by a single bbolt file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt-backed Database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create store directory: %w", kerrors.ErrStoreIO, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt database: %w", kerrors.ErrStoreIO, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(answersBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(depsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialize buckets: %w", kerrors.ErrStoreIO, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, fp fingerprint.FP) (store.Entry, bool, error) {
	var entry store.Entry
	var ok bool

	err := s.db.View(func(tx *bolt.Tx) error {
		answer := tx.Bucket(answersBucket).Get(fp.Bytes())
		if answer == nil {
			return nil
		}
		ok = true
		entry = store.Entry{
			FP:     fp,
			Answer: append([]byte(nil), answer...),
			Deps:   readDeps(tx, fp),
		}
		return nil
	})
	if err != nil {
		return store.Entry{}, false, fmt.Errorf("%w: get: %w", kerrors.ErrStoreIO, err)
	}
	return entry, ok, nil
}

func readDeps(tx *bolt.Tx, fp fingerprint.FP) []fingerprint.FP {
	parent := tx.Bucket(depsBucket).Bucket(fp.Bytes())
	if parent == nil {
		return nil
	}
	var out []fingerprint.FP
	c := parent.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		out = append(out, fingerprint.FP(append([]byte(nil), v...)))
	}
	return out
}

// Put atomically replaces fp's answer and deps inside one bbolt
// transaction (spec.md invariant 5).
func (s *Store) Put(_ context.Context, fp fingerprint.FP, answer []byte, deps []fingerprint.FP) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(answersBucket).Put(fp.Bytes(), answer); err != nil {
			return err
		}

		depsRoot := tx.Bucket(depsBucket)
		if err := depsRoot.DeleteBucket(fp.Bytes()); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if len(deps) == 0 {
			return nil
		}
		parent, err := depsRoot.CreateBucket(fp.Bytes())
		if err != nil {
			return err
		}
		for i, d := range deps {
			var seq [8]byte
			binary.BigEndian.PutUint64(seq[:], uint64(i))
			if err := parent.Put(seq[:], d.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: put: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) Forget(_ context.Context, fp fingerprint.FP) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(answersBucket).Delete(fp.Bytes()); err != nil {
			return err
		}
		if err := tx.Bucket(depsBucket).DeleteBucket(fp.Bytes()); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: forget: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}

func (s *Store) List(_ context.Context) ([]store.Entry, error) {
	var out []store.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(answersBucket)
		return b.ForEach(func(k, v []byte) error {
			fp := fingerprint.FP(append([]byte(nil), k...))
			out = append(out, store.Entry{
				FP:     fp,
				Answer: append([]byte(nil), v...),
				Deps:   readDeps(tx, fp),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", kerrors.ErrStoreIO, err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close bolt database: %w", kerrors.ErrStoreIO, err)
	}
	return nil
}
