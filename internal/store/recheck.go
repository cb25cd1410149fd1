package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/coderunner/kestrel/internal/codec"
	"github.com/coderunner/kestrel/internal/fingerprint"
	"github.com/coderunner/kestrel/internal/kerrors"
	"github.com/coderunner/kestrel/internal/kind"
)

// RecheckReport summarizes one RecheckAll pass, for logging/diagnostics
// (the teacher's "bd doctor" prints an analogous summary after migrations).
type RecheckReport struct {
	Checked            int
	Forgotten          int
	SkippedUnknownKind int
}

// Warn is called with a human-readable reason whenever RecheckAll forgets
// an entry. Entries skipped for an unregistered kind are only counted in
// the report. A nil Warn is valid (no logging).
type Warn func(fp fingerprint.FP, reason string)

// RecheckAll reconciles every persisted entry against the current outside
// world (spec.md §4.3):
//
//  1. Deserialize the instance from its fingerprint.
//  2. Invoke QueryAnswer. If that fails, forget the entry.
//  3. Compare the fresh answer to the stored one; if different, forget.
//
// Entries whose kind UUID isn't registered are left untouched — they are
// simply unreachable until that kind is registered again.
//
// After RecheckAll returns, every surviving entry's QueryAnswer is
// guaranteed to currently match its stored answer, which is what lets
// engine.dispatchOne trust a cache hit without re-querying (provided its
// dependencies are also hits).
func RecheckAll(ctx context.Context, db Database, kinds *kind.Set, warn Warn) (RecheckReport, error) {
	entries, err := db.List(ctx)
	if err != nil {
		return RecheckReport{}, fmt.Errorf("%w: list entries: %w", kerrors.ErrStoreIO, err)
	}

	var report RecheckReport
	for _, e := range entries {
		report.Checked++

		k, instance, ok, err := decodeEntry(e.FP, kinds)
		if err != nil {
			err = fmt.Errorf("%w: %v", kerrors.ErrCorrupt, err)
			if warn != nil {
				warn(e.FP, err.Error())
			}
			if ferr := db.Forget(ctx, e.FP); ferr != nil {
				return report, fmt.Errorf("%w: forget corrupt entry: %w", kerrors.ErrStoreIO, ferr)
			}
			report.Forgotten++
			continue
		}
		if !ok {
			// Kind not registered: leave untouched.
			report.SkippedUnknownKind++
			continue
		}

		storedAnswer, err := k.AnswerKind.Deserialize(codec.NewBufSource(e.Answer))
		if err != nil {
			err = fmt.Errorf("%w: corrupt stored answer: %v", kerrors.ErrCorrupt, err)
			if warn != nil {
				warn(e.FP, err.Error())
			}
			if ferr := db.Forget(ctx, e.FP); ferr != nil {
				return report, fmt.Errorf("%w: forget entry with corrupt answer: %w", kerrors.ErrStoreIO, ferr)
			}
			report.Forgotten++
			continue
		}

		freshAnswer, err := k.QueryAnswer(instance)
		if err != nil {
			if warn != nil {
				warn(e.FP, fmt.Sprintf("query_answer failed: %v", err))
			}
			if ferr := db.Forget(ctx, e.FP); ferr != nil {
				return report, fmt.Errorf("%w: forget entry after query_answer failure: %w", kerrors.ErrStoreIO, ferr)
			}
			report.Forgotten++
			continue
		}

		if !k.AnswerKind.Equal(freshAnswer, storedAnswer) {
			if warn != nil {
				warn(e.FP, "stored answer no longer matches query_answer")
			}
			if ferr := db.Forget(ctx, e.FP); ferr != nil {
				return report, fmt.Errorf("%w: forget entry with stale answer: %w", kerrors.ErrStoreIO, ferr)
			}
			report.Forgotten++
			continue
		}
	}

	return report, nil
}

// decodeEntry splits a fingerprint into its kind UUID and instance,
// returning ok=false (no error) when the UUID isn't registered.
func decodeEntry(fp fingerprint.FP, kinds *kind.Set) (k *kind.Kind, instance kind.Instance, ok bool, err error) {
	raw := fp.Bytes()
	if len(raw) < 16 {
		return nil, nil, false, fmt.Errorf("fingerprint too short: %d bytes", len(raw))
	}

	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse kind uuid: %w", err)
	}

	k, err = kinds.Lookup(id)
	if err != nil {
		var unknown *kind.ErrKindUnknown
		if errors.As(err, &unknown) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}

	instance, err = k.Deserialize(codec.NewBufSource(raw[16:]))
	if err != nil {
		return nil, nil, false, fmt.Errorf("deserialize question: %w", err)
	}
	return k, instance, true, nil
}
