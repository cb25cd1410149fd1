package lockfile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderunner/kestrel/internal/lockfile"
)

func TestTryAcquireExclusive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kestrel.db")

	l1, ok, err := lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = l1.Release() }()

	_, ok, err = lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath})
	require.NoError(t, err)
	require.False(t, ok, "second acquirer should not get the lock while the first holds it")
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kestrel.db")

	l1, ok, err := lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l1.Release())

	l2, ok, err := lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = l2.Release() }()
}

func TestHeldReportsWriterInfo(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kestrel.db")

	l, ok, err := lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath, Version: "test"})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = l.Release() }()

	info, ok := lockfile.Held(dbPath)
	require.True(t, ok)
	require.Equal(t, dbPath, info.Database)
	require.Equal(t, "test", info.Version)
	require.NotZero(t, info.PID)
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kestrel.db")

	l1, ok, err := lockfile.TryAcquire(dbPath, lockfile.Info{Database: dbPath})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = l1.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = lockfile.Acquire(ctx, dbPath, lockfile.Info{Database: dbPath})
	require.Error(t, err)
}
