package pendingindex

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*Index, *opstore.Store, []byte) {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	store, err := opstore.Open(engine, key)
	require.NoError(t, err)

	idx, err := Open(engine, key)
	require.NoError(t, err)
	return idx, store, key
}

func op(id string, createdAt time.Time) *types.Operation {
	o := &types.Operation{ID: id, IdempotencyKey: "idem-" + id, CreatedAt: createdAt, Priority: types.PriorityNormal}
	o.Normalize()
	return o
}

func TestGetOldestReturnsInsertionOrder(t *testing.T) {
	idx, _, _ := newTestEnv(t)
	base := time.Now().UTC()

	require.NoError(t, idx.Enqueue("b", base.Add(2*time.Second)))
	require.NoError(t, idx.Enqueue("a", base))
	require.NoError(t, idx.Enqueue("c", base.Add(4*time.Second)))

	ids, err := idx.GetOldest(10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRemoveDropsEntry(t *testing.T) {
	idx, _, _ := newTestEnv(t)
	base := time.Now().UTC()
	require.NoError(t, idx.Enqueue("a", base))
	require.NoError(t, idx.Remove("a", base))

	ids, err := idx.GetOldest(10)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRebuildRepopulatesFromOpStore(t *testing.T) {
	idx, store, _ := newTestEnv(t)
	base := time.Now().UTC()

	require.NoError(t, store.Put(op("a", base)))
	require.NoError(t, store.Put(op("b", base.Add(time.Second))))

	require.NoError(t, idx.Rebuild(store))

	ids, err := idx.GetOldest(10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}

func TestIntegrityCheckAndRebuildDetectsDanglingEntry(t *testing.T) {
	idx, store, _ := newTestEnv(t)
	base := time.Now().UTC()

	require.NoError(t, store.Put(op("a", base)))
	require.NoError(t, idx.Enqueue("a", base))
	require.NoError(t, idx.Enqueue("ghost", base.Add(time.Second)))

	rebuilt, err := idx.IntegrityCheckAndRebuild(store)
	require.NoError(t, err)
	require.True(t, rebuilt)

	ids, err := idx.GetOldest(10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)
}
