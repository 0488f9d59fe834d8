// Package idempotency implements IdempotencyCache (§4.5): a TTL-backed
// record of which idempotency keys have already been seen, relying on
// Badger's native per-entry TTL the same way the box layer's PutWithTTL
// exposes it, rather than a hand-rolled sweep goroutine.
package idempotency

import (
	"fmt"
	"time"

	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
)

const BoxName = "idempotency"

// Descriptor is the box descriptor Cache registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionForbidden,
	TypeID:           11,
	SchemaVersion:    1,
}

// Cache maps idempotency_key to first-seen timestamp, with a configurable
// expiry.
type Cache struct {
	box *storage.Box
	ttl time.Duration
}

// Open opens the idempotency box. It carries no sensitive payload (just
// keys and timestamps), so it is opened unencrypted like MetaStore.
func Open(engine *storage.Engine, ttl time.Duration) (*Cache, error) {
	box, err := engine.Open(Descriptor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency cache: %w", err)
	}
	return &Cache{box: box, ttl: ttl}, nil
}

// Record reports whether key is new. If key was already seen (and has not
// expired), it returns false without modifying the stored timestamp. A
// corrupt stored value is treated as absent and deleted lazily.
func (c *Cache) Record(key string) (bool, error) {
	raw, ok, err := c.box.Get(key)
	if err != nil {
		return false, fmt.Errorf("idempotency cache: get %s: %w", key, err)
	}
	if ok {
		if _, parseErr := time.Parse(time.RFC3339Nano, string(raw)); parseErr != nil {
			if delErr := c.box.Delete(key); delErr != nil {
				return false, fmt.Errorf("idempotency cache: failed to delete corrupt entry %s: %w", key, delErr)
			}
		} else {
			return false, nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.box.PutWithTTL(key, []byte(now), c.ttl); err != nil {
		return false, fmt.Errorf("idempotency cache: put %s: %w", key, err)
	}
	return true, nil
}

// Cleanup drops any entries whose stored timestamp fails to parse. Badger's
// own TTL already reclaims expired entries on read and compaction; this
// only catches corruption, and is called at queue-processing start per
// §4.5.
func (c *Cache) Cleanup() (int, error) {
	keys, err := c.box.Keys("")
	if err != nil {
		return 0, fmt.Errorf("idempotency cache: list keys: %w", err)
	}
	removed := 0
	for _, key := range keys {
		raw, ok, err := c.box.Get(key)
		if err != nil || !ok {
			continue
		}
		if _, parseErr := time.Parse(time.RFC3339Nano, string(raw)); parseErr != nil {
			if err := c.box.Delete(key); err != nil {
				return removed, fmt.Errorf("idempotency cache: failed to drop corrupt entry %s: %w", key, err)
			}
			removed++
		}
	}
	return removed, nil
}
