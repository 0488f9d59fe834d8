package entitylock

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestLocks(t *testing.T, timeout time.Duration) *Locks {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	locks, err := Open(engine, key, timeout)
	require.NoError(t, err)
	return locks
}

func TestTryAcquireWithoutEntityKeyAlwaysSucceeds(t *testing.T) {
	locks := newTestLocks(t, time.Minute)
	op := &types.Operation{ID: "op-1"}

	ok, err := locks.TryAcquire(op)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTryAcquireRefusesWhileHeldByAnotherOp(t *testing.T) {
	locks := newTestLocks(t, time.Minute)
	opA := &types.Operation{ID: "op-a", EntityKey: "patient-1"}
	opB := &types.Operation{ID: "op-b", EntityKey: "patient-1"}

	ok, err := locks.TryAcquire(opA)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.TryAcquire(opB)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseOnlyReleasesOwnLock(t *testing.T) {
	locks := newTestLocks(t, time.Minute)
	opA := &types.Operation{ID: "op-a", EntityKey: "patient-1"}
	opB := &types.Operation{ID: "op-b", EntityKey: "patient-1"}

	ok, err := locks.TryAcquire(opA)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locks.Release(opB))

	ok, err = locks.TryAcquire(opB)
	require.NoError(t, err)
	require.False(t, ok, "releasing a lock you don't own must be a no-op")

	require.NoError(t, locks.Release(opA))
	ok, err = locks.TryAcquire(opB)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	locks := newTestLocks(t, -time.Second)
	opA := &types.Operation{ID: "op-a", EntityKey: "patient-1"}
	opB := &types.Operation{ID: "op-b", EntityKey: "patient-1"}

	ok, err := locks.TryAcquire(opA)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.TryAcquire(opB)
	require.NoError(t, err)
	require.True(t, ok, "a negative timeout means the lock is already expired")
}

func TestCleanupExpiredLocksRemovesStaleEntries(t *testing.T) {
	locks := newTestLocks(t, -time.Second)
	opA := &types.Operation{ID: "op-a", EntityKey: "patient-1"}

	_, err := locks.TryAcquire(opA)
	require.NoError(t, err)

	removed, err := locks.CleanupExpiredLocks()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
