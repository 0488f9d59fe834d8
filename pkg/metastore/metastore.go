// Package metastore implements MetaStore (§4.2): the always-unencrypted
// key-value store for schema version, rotation state, the processing
// lock record, and safety-fallback flags. It must be the first box opened,
// since its plaintext readability is how recovery decisions survive loss
// of the encryption key.
package metastore

import (
	"encoding/json"
	"fmt"

	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
)

const BoxName = "meta"

// Descriptor is the box descriptor MetaStore registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionForbidden,
	TypeID:           1,
	SchemaVersion:    1,
}

// MetaStore wraps a forbidden-encryption box with typed get/put helpers.
// Individual writes are best-effort; readers tolerate missing keys by
// returning defaults rather than errors.
type MetaStore struct {
	box *storage.Box
}

// Open opens the meta box from the engine. Must be called before any other
// component that depends on MetaStore.
func Open(engine *storage.Engine) (*MetaStore, error) {
	box, err := engine.Open(Descriptor, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store: %w", err)
	}
	return &MetaStore{box: box}, nil
}

// GetString returns the raw string value for key, or "" if absent.
func (m *MetaStore) GetString(key string) (string, error) {
	value, ok, err := m.box.Get(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return string(value), nil
}

// SetString stores key as a raw string.
func (m *MetaStore) SetString(key, value string) error {
	return m.box.Put(key, []byte(value))
}

// GetJSON unmarshals the value at key into out. If the key is absent, out
// is left untouched and ok is false.
func (m *MetaStore) GetJSON(key string, out interface{}) (ok bool, err error) {
	value, present, err := m.box.Get(key)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false, fmt.Errorf("metastore: corrupt value at %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it at key.
func (m *MetaStore) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metastore: failed to marshal value for %s: %w", key, err)
	}
	return m.box.Put(key, data)
}

// Delete removes key. Idempotent.
func (m *MetaStore) Delete(key string) error {
	return m.box.Delete(key)
}

// SchemaVersion returns the stored schema version, or 0 if never set.
func (m *MetaStore) SchemaVersion() (int, error) {
	raw, err := m.GetString(types.MetaKeySchemaVersion)
	if err != nil || raw == "" {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("metastore: corrupt schema version %q: %w", raw, err)
	}
	return version, nil
}

// SetSchemaVersion persists the schema version.
func (m *MetaStore) SetSchemaVersion(version int) error {
	return m.SetString(types.MetaKeySchemaVersion, fmt.Sprintf("%d", version))
}
