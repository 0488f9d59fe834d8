package keystore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/guardian-angel/synccore/pkg/types"
)

// SecretBackend is the OS-secret-store contract KeyStore rotates keys
// through. Implementations need only honor get/put/delete-by-name
// semantics; KeyStore owns the naming convention (enc_key_v1, etc).
type SecretBackend interface {
	Get(name string) ([]byte, bool, error)
	Put(name string, value []byte) error
	Delete(name string) error
}

// LocalFileBackend stores secrets as individual files under a directory,
// guarded by filesystem permissions rather than an OS keychain. It is the
// default backend and the one used in tests, the same "plain but explicit"
// posture the teacher's in-memory persistence backend takes for
// non-production use.
type LocalFileBackend struct {
	dir string
}

// NewLocalFileBackend creates a backend rooted at dir, creating it if
// necessary with owner-only permissions.
func NewLocalFileBackend(dir string) (*LocalFileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, types.NewKeyStoreUnavailableError(fmt.Errorf("failed to create secrets dir %s: %w", dir, err))
	}
	return &LocalFileBackend{dir: dir}, nil
}

func (b *LocalFileBackend) path(name string) string {
	return filepath.Join(b.dir, name)
}

// Get returns the raw bytes stored under name, or ok=false if absent.
func (b *LocalFileBackend) Get(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewKeyStoreUnavailableError(err)
	}
	return data, true, nil
}

// Put writes value under name, replacing it if present.
func (b *LocalFileBackend) Put(name string, value []byte) error {
	if err := os.WriteFile(b.path(name), value, 0o600); err != nil {
		return types.NewKeyStoreUnavailableError(err)
	}
	return nil
}

// Delete removes name. Idempotent.
func (b *LocalFileBackend) Delete(name string) error {
	err := os.Remove(b.path(name))
	if err != nil && !os.IsNotExist(err) {
		return types.NewKeyStoreUnavailableError(err)
	}
	return nil
}
