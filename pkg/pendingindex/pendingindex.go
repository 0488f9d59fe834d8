// Package pendingindex implements PendingIndex (§4.6): a secondary,
// monotonic-order index over the pending-op store so PendingQueue can list
// the oldest N ops without scanning every operation on disk. Entries are
// keyed by a zero-padded (created_at, op_id) composite so Badger's native
// lexicographic key order is already oldest-first, the same trick the
// teacher's badger layer leans on for ListKeyShareVersions.
package pendingindex

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
)

const BoxName = "pending_index"

// Descriptor is the box descriptor Index registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           22,
	SchemaVersion:    1,
}

// Index maintains the ordering of pending operation ids.
type Index struct {
	box *storage.Box
}

// Open opens the pending-index box.
func Open(engine *storage.Engine, key []byte) (*Index, error) {
	box, err := engine.Open(Descriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open pending index: %w", err)
	}
	return &Index{box: box}, nil
}

func compositeKey(createdAt time.Time, opID string) string {
	return fmt.Sprintf("%020d:%s", createdAt.UnixNano(), opID)
}

// Enqueue records op_id at position created_at.
func (idx *Index) Enqueue(opID string, createdAt time.Time) error {
	return idx.box.Put(compositeKey(createdAt, opID), []byte(opID))
}

// Remove drops op_id's index entry. Callers must supply the same
// created_at the op was enqueued with.
func (idx *Index) Remove(opID string, createdAt time.Time) error {
	return idx.box.Delete(compositeKey(createdAt, opID))
}

// GetOldest returns up to n op ids, oldest-first.
func (idx *Index) GetOldest(n int) ([]string, error) {
	keys, err := idx.box.Keys("")
	if err != nil {
		return nil, fmt.Errorf("pending index: list: %w", err)
	}
	if n < len(keys) {
		keys = keys[:n]
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, opIDFromKey(key))
	}
	return ids, nil
}

func opIDFromKey(key string) string {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return key
	}
	return parts[1]
}

// Rebuild discards the current index and repopulates it from the full
// op store, sorted by created_at ascending (§4.6).
func (idx *Index) Rebuild(store *opstore.Store) error {
	existing, err := idx.box.Keys("")
	if err != nil {
		return fmt.Errorf("pending index: rebuild: list existing: %w", err)
	}
	for _, key := range existing {
		if err := idx.box.Delete(key); err != nil {
			return fmt.Errorf("pending index: rebuild: clear %s: %w", key, err)
		}
	}

	ops, err := store.All()
	if err != nil {
		return fmt.Errorf("pending index: rebuild: read op store: %w", err)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })

	for _, op := range ops {
		if err := idx.Enqueue(op.ID, op.CreatedAt); err != nil {
			return fmt.Errorf("pending index: rebuild: enqueue %s: %w", op.ID, err)
		}
	}
	return nil
}

// IntegrityCheckAndRebuild scans the current index for entries pointing at
// operations no longer present in store, and rebuilds from scratch if any
// are found. Returns whether a rebuild happened.
func (idx *Index) IntegrityCheckAndRebuild(store *opstore.Store) (bool, error) {
	keys, err := idx.box.Keys("")
	if err != nil {
		return false, fmt.Errorf("pending index: integrity check: list: %w", err)
	}

	for _, key := range keys {
		opID := opIDFromKey(key)
		_, ok, err := store.Get(opID)
		if err != nil {
			return false, fmt.Errorf("pending index: integrity check: get %s: %w", opID, err)
		}
		if !ok {
			return true, idx.Rebuild(store)
		}
	}
	return false, nil
}
