// Package entitylock implements EntityOrdering (§4.7): a per-entity-key
// mutex that preserves FIFO within an entity across dispatcher passes,
// persisted so a crash mid-dispatch cannot wedge an entity closed forever.
package entitylock

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
)

const BoxName = "entity_locks"

// Descriptor is the box descriptor Locks registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           23,
	SchemaVersion:    1,
}

// Locks tracks which operation currently owns each entity key.
type Locks struct {
	box     *storage.Box
	timeout time.Duration
}

// Open opens the entity-lock box. timeout is how long a lock is held
// before it becomes reclaimable by another op (lock_timeout, 5m default).
func Open(engine *storage.Engine, key []byte, timeout time.Duration) (*Locks, error) {
	box, err := engine.Open(Descriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity lock store: %w", err)
	}
	return &Locks{box: box, timeout: timeout}, nil
}

func (l *Locks) get(entityKey string) (*types.EntityLock, bool, error) {
	raw, ok, err := l.box.Get(entityKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	var lock types.EntityLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, false, fmt.Errorf("entity lock store: corrupt entry %s: %w", entityKey, err)
	}
	return &lock, true, nil
}

func (l *Locks) put(lock *types.EntityLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("entity lock store: failed to marshal %s: %w", lock.EntityKey, err)
	}
	return l.box.Put(lock.EntityKey, data)
}

// TryAcquire attempts to lock op's entity key. An op with no entity key
// always succeeds without recording anything. Returns false (not an
// error) if a different, non-expired op already holds the lock.
func (l *Locks) TryAcquire(op *types.Operation) (bool, error) {
	if op.EntityKey == "" {
		return true, nil
	}

	now := time.Now().UTC()
	existing, ok, err := l.get(op.EntityKey)
	if err != nil {
		return false, err
	}
	if ok && existing.OpID == op.ID {
		return true, nil
	}
	if ok && !existing.Expired(now) {
		return false, nil
	}

	lock := &types.EntityLock{
		EntityKey: op.EntityKey,
		OpID:      op.ID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.timeout),
	}
	if err := l.put(lock); err != nil {
		return false, err
	}
	return true, nil
}

// Release drops op's lock on its entity key, only if op still holds it.
func (l *Locks) Release(op *types.Operation) error {
	if op.EntityKey == "" {
		return nil
	}
	existing, ok, err := l.get(op.EntityKey)
	if err != nil {
		return err
	}
	if !ok || existing.OpID != op.ID {
		return nil
	}
	return l.box.Delete(op.EntityKey)
}

// CleanupExpiredLocks deletes every lock whose expires_at has passed,
// returning how many were removed.
func (l *Locks) CleanupExpiredLocks() (int, error) {
	keys, err := l.box.Keys("")
	if err != nil {
		return 0, fmt.Errorf("entity lock store: list: %w", err)
	}

	now := time.Now().UTC()
	removed := 0
	for _, key := range keys {
		lock, ok, err := l.get(key)
		if err != nil || !ok {
			continue
		}
		if lock.Expired(now) {
			if err := l.box.Delete(key); err != nil {
				return removed, fmt.Errorf("entity lock store: delete %s: %w", key, err)
			}
			removed++
		}
	}
	return removed, nil
}
