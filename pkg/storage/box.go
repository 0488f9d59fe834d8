package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Box is a named, typed persistent map backed by its own badger/v3 database
// directory, so that corruption recovery (§4.3) can discard exactly one
// box's files without touching its neighbors.
type Box struct {
	name       string
	dir        string
	descriptor types.BoxDescriptor
	db         *badgerdb.DB
	logger     *zap.Logger

	cipher    *encryption.BoxCipher
	key       []byte
	encrypted bool

	mu     sync.RWMutex
	closed bool
}

// Name returns the box's name.
func (b *Box) Name() string { return b.name }

// Descriptor returns the box's schema/encryption contract.
func (b *Box) Descriptor() types.BoxDescriptor { return b.descriptor }

// Encrypted reports whether this box instance was opened with encryption.
func (b *Box) Encrypted() bool { return b.encrypted }

func (b *Box) encode(value []byte) ([]byte, error) {
	if !b.encrypted {
		return value, nil
	}
	return b.cipher.Encrypt(value, b.key)
}

func (b *Box) decode(value []byte) ([]byte, error) {
	if !b.encrypted {
		return value, nil
	}
	return b.cipher.Decrypt(value, b.key)
}

// Get reads a value. ok is false if the key does not exist.
func (b *Box) Get(key string) (value []byte, ok bool, err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, fmt.Errorf("box %s is closed", b.name)
	}

	var raw []byte
	err = b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("box %s: get %s: %w", b.name, key, err)
	}
	if raw == nil {
		return nil, false, nil
	}

	decoded, err := b.decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("box %s: decode %s: %w", b.name, key, err)
	}
	return decoded, true, nil
}

// Put writes a value directly, outside of a transaction-journal op. Used by
// internal bookkeeping that does not need cross-box atomicity (e.g.
// rebuilding a derived index).
func (b *Box) Put(key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("box %s is closed", b.name)
	}

	encoded, err := b.encode(value)
	if err != nil {
		return fmt.Errorf("box %s: encode %s: %w", b.name, key, err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), encoded)
	})
}

// PutWithTTL writes a value that Badger will expire after ttl elapses,
// used by IdempotencyCache.
func (b *Box) PutWithTTL(key string, value []byte, ttl time.Duration) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("box %s is closed", b.name)
	}

	encoded, err := b.encode(value)
	if err != nil {
		return fmt.Errorf("box %s: encode %s: %w", b.name, key, err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry([]byte(key), encoded).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// Delete removes a key. Idempotent - no error if the key is already absent.
func (b *Box) Delete(key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("box %s is closed", b.name)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Keys returns every key with the given prefix (empty prefix = all keys).
func (b *Box) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("box %s is closed", b.name)
	}

	var keys []string
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		if prefix != "" {
			opts.Prefix = []byte(prefix)
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("box %s: keys: %w", b.name, err)
	}
	return keys, nil
}

// Length returns the number of keys in the box.
func (b *Box) Length() (int, error) {
	keys, err := b.Keys("")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Compact reclaims space by running Badger's value-log GC until there is
// nothing left to rewrite, adapted from the teacher's periodic runGC but
// made synchronous for on-demand use from RepairToolkit.
func (b *Box) Compact() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("box %s is closed", b.name)
	}

	for {
		err := b.db.RunValueLogGC(0.5)
		if err == badgerdb.ErrNoRewrite {
			return nil
		}
		if err != nil {
			return fmt.Errorf("box %s: compact: %w", b.name, err)
		}
	}
}

// Close shuts down the box. Idempotent.
func (b *Box) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("box %s: close: %w", b.name, err)
	}
	return nil
}

