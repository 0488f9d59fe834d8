package opstore

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	store, err := Open(engine, key)
	require.NoError(t, err)
	return store
}

func testOp(id string) *types.Operation {
	op := &types.Operation{
		ID:             id,
		OpType:         "sync_reading",
		IdempotencyKey: "idem-" + id,
		CreatedAt:      time.Now().UTC(),
		Priority:       types.PriorityNormal,
	}
	op.Normalize()
	return op
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	op := testOp("op-1")

	require.NoError(t, store.Put(op))

	got, ok, err := store.Get("op-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, op.IdempotencyKey, got.IdempotencyKey)

	require.NoError(t, store.Delete("op-1"))
	_, ok, err = store.Get("op-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllReturnsEveryPendingOp(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put(testOp("op-1")))
	require.NoError(t, store.Put(testOp("op-2")))

	all, err := store.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestMoveToFailedProducesJournalOps(t *testing.T) {
	op := testOp("op-1")
	ops, err := MoveToFailed(&types.FailedOp{Op: *op, ErrorCode: "POISON_OP", MovedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.Len(t, ops, 2)
}
