package proclock

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestLock(t *testing.T, staleThreshold time.Duration) *Lock {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	meta, err := metastore.Open(engine)
	require.NoError(t, err)

	return New(meta, staleThreshold)
}

func TestTryAcquireSucceedsWhenUnlocked(t *testing.T) {
	lock := newTestLock(t, 5*time.Minute)

	ok, record, err := lock.TryAcquire("pid-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pid-1", record.PID)
	require.False(t, record.StaleRecovered)
}

func TestTryAcquireRefusesWhileFresh(t *testing.T) {
	lock := newTestLock(t, 5*time.Minute)

	ok, _, err := lock.TryAcquire("pid-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = lock.TryAcquire("pid-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTryAcquireReclaimsStaleLock(t *testing.T) {
	lock := newTestLock(t, -time.Second)

	ok, _, err := lock.TryAcquire("pid-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, record, err := lock.TryAcquire("pid-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, record.StaleRecovered)
	require.Equal(t, "pid-2", record.PID)
}

func TestReleaseOnlyReleasesOwnLock(t *testing.T) {
	lock := newTestLock(t, 5*time.Minute)

	_, _, err := lock.TryAcquire("pid-1")
	require.NoError(t, err)

	require.NoError(t, lock.Release("pid-2"))
	ok, _, err := lock.TryAcquire("pid-2")
	require.NoError(t, err)
	require.False(t, ok, "release from a non-owner must be a no-op")

	require.NoError(t, lock.Release("pid-1"))
	ok, _, err = lock.TryAcquire("pid-2")
	require.NoError(t, err)
	require.True(t, ok)
}
