// Package storage implements the StorageEngine (§4.3): named, typed,
// optionally-encrypted persistent boxes with per-box open/compact/backup
// and corruption recovery, built on badger/v3 the way the teacher's
// pkg/persistence/badger package opens its single database — generalized
// here to one database per named box.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/types"
	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

const (
	corruptionBackupDirName = "corruption_backups"
	migrationBackupDirName  = "migration_backups"
)

// Engine opens and tracks boxes under a single data directory.
type Engine struct {
	dataDir string
	logger  *zap.Logger
	cipher  *encryption.BoxCipher

	mu    sync.Mutex
	boxes map[string]*Box

	// encryptionRegistry records which boxes were opened with encryption,
	// for the §4.13 enforcer to validate against declared policy.
	encryptionRegistry map[string]bool
}

// New creates an Engine rooted at dataDir. The directory is created if it
// does not exist.
func New(dataDir string, logger *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, corruptionBackupDirName), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create corruption backup dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, migrationBackupDirName), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create migration backup dir: %w", err)
	}

	return &Engine{
		dataDir:            dataDir,
		logger:             logger,
		cipher:             encryption.NewBoxCipher(),
		boxes:              make(map[string]*Box),
		encryptionRegistry: make(map[string]bool),
	}, nil
}

func (e *Engine) boxDir(name string) string {
	return filepath.Join(e.dataDir, name+".db")
}

// Open opens (or recovers) the named box according to its descriptor. If
// key is non-nil, the box's payloads are transparently encrypted/decrypted
// with it; key must be non-nil whenever descriptor.EncryptionPolicy is
// required, and must be nil when forbidden.
//
// On open failure the corrupt box is moved aside under
// corruption_backups/ and a fresh empty box is opened in its place — Open
// itself never returns an error for this case, matching §4.3's "recovery
// never throws out of open" contract. The caller should check
// Box.Encrypted() against the descriptor if it needs to detect recovery.
func (e *Engine) Open(descriptor types.BoxDescriptor, key []byte) (*Box, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if descriptor.EncryptionPolicy == types.EncryptionRequired && key == nil {
		return nil, fmt.Errorf("box %s requires an encryption key", descriptor.Name)
	}
	if descriptor.EncryptionPolicy == types.EncryptionForbidden && key != nil {
		return nil, fmt.Errorf("box %s forbids encryption but a key was supplied", descriptor.Name)
	}

	if existing, ok := e.boxes[descriptor.Name]; ok {
		return existing, nil
	}

	dir := e.boxDir(descriptor.Name)
	db, err := e.openBadger(dir)
	if err != nil {
		e.logger.Sugar().Warnw("box open failed, recovering with a fresh box",
			"box", descriptor.Name, "error", err)
		if backupErr := e.backupCorrupt(descriptor.Name, dir); backupErr != nil {
			e.logger.Sugar().Errorw("failed to back up corrupt box; deleting in place",
				"box", descriptor.Name, "error", backupErr)
			_ = os.RemoveAll(dir)
		}
		db, err = e.openBadger(dir)
		if err != nil {
			return nil, fmt.Errorf("box %s: failed to open even after recovery: %w", descriptor.Name, err)
		}
	}

	box := &Box{
		name:       descriptor.Name,
		dir:        dir,
		descriptor: descriptor,
		db:         db,
		logger:     e.logger,
		cipher:     e.cipher,
		key:        key,
		encrypted:  key != nil,
	}

	e.boxes[descriptor.Name] = box
	e.encryptionRegistry[descriptor.Name] = box.encrypted

	return box, nil
}

func (e *Engine) openBadger(dir string) (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions(dir)
	opts.Logger = &badgerLoggerAdapter{logger: e.logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1
	return badgerdb.Open(opts)
}

func (e *Engine) backupCorrupt(name, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	backupDir := filepath.Join(e.dataDir, corruptionBackupDirName,
		fmt.Sprintf("%s.%s.corrupt.bak", name, isoTimestamp()))
	return os.Rename(dir, backupDir)
}

// Box returns an already-open box, or false if it has not been opened yet.
func (e *Engine) Box(name string) (*Box, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, ok := e.boxes[name]
	return box, ok
}

// Compact reclaims space in the named box.
func (e *Engine) Compact(name string) error {
	box, ok := e.Box(name)
	if !ok {
		return fmt.Errorf("box %s is not open", name)
	}
	return box.Compact()
}

// BackupAll copies every known box's directory to migration_backups/,
// suffixed and timestamped, for use before a migration (§4.3, §4.14).
func (e *Engine) BackupAll(suffix string) error {
	e.mu.Lock()
	names := make([]string, 0, len(e.boxes))
	for name := range e.boxes {
		names = append(names, name)
	}
	e.mu.Unlock()

	ts := isoTimestamp()
	for _, name := range names {
		box, ok := e.Box(name)
		if !ok {
			continue
		}
		dest := filepath.Join(e.dataDir, migrationBackupDirName,
			fmt.Sprintf("%s.%s.%s.bak", name, suffix, ts))
		if err := copyDir(box.dir, dest); err != nil {
			return fmt.Errorf("backup box %s: %w", name, err)
		}
	}
	return nil
}

// EncryptionRegistrySnapshot returns a copy of which boxes were opened with
// encryption, for the §4.13 enforcer.
func (e *Engine) EncryptionRegistrySnapshot() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.encryptionRegistry))
	for k, v := range e.encryptionRegistry {
		out[k] = v
	}
	return out
}

// RotateBoxKey re-encrypts every value in an already-open, required-policy
// box under newKey, via a transient "<box>.pre_rotate.db" directory (§6.4)
// so a crash mid-rotation leaves the original box untouched. On success the
// pre_rotate directory replaces the box directory and the box is reopened
// under newKey; on any failure the pre_rotate directory is discarded and
// the original box is left exactly as it was.
func (e *Engine) RotateBoxKey(name string, newKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	box, ok := e.boxes[name]
	if !ok {
		return fmt.Errorf("box %s is not open", name)
	}
	if box.descriptor.EncryptionPolicy != types.EncryptionRequired {
		return fmt.Errorf("box %s does not use encryption, nothing to rotate", name)
	}

	preDir := e.boxDir(name) + ".pre_rotate"
	_ = os.RemoveAll(preDir)

	preDB, err := e.openBadger(preDir)
	if err != nil {
		return fmt.Errorf("box %s: failed to open pre_rotate staging db: %w", name, err)
	}

	keys, err := box.Keys("")
	if err != nil {
		preDB.Close()
		os.RemoveAll(preDir)
		return fmt.Errorf("box %s: failed to list keys for rotation: %w", name, err)
	}

	for _, key := range keys {
		value, ok, err := box.Get(key)
		if err != nil {
			preDB.Close()
			os.RemoveAll(preDir)
			return fmt.Errorf("box %s: failed to read %s during rotation: %w", name, key, err)
		}
		if !ok {
			continue
		}
		reencoded, err := e.cipher.Encrypt(value, newKey)
		if err != nil {
			preDB.Close()
			os.RemoveAll(preDir)
			return fmt.Errorf("box %s: failed to re-encrypt %s: %w", name, key, err)
		}
		if err := preDB.Update(func(txn *badgerdb.Txn) error {
			return txn.Set([]byte(key), reencoded)
		}); err != nil {
			preDB.Close()
			os.RemoveAll(preDir)
			return fmt.Errorf("box %s: failed to stage %s during rotation: %w", name, key, err)
		}
	}

	if err := preDB.Close(); err != nil {
		os.RemoveAll(preDir)
		return fmt.Errorf("box %s: failed to close pre_rotate staging db: %w", name, err)
	}

	if err := box.Close(); err != nil {
		os.RemoveAll(preDir)
		return fmt.Errorf("box %s: failed to close original box before swap: %w", name, err)
	}

	dir := e.boxDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("box %s: failed to remove pre-rotation directory: %w", name, err)
	}
	if err := os.Rename(preDir, dir); err != nil {
		return fmt.Errorf("box %s: failed to swap in rotated directory: %w", name, err)
	}

	db, err := e.openBadger(dir)
	if err != nil {
		return fmt.Errorf("box %s: failed to reopen after rotation: %w", name, err)
	}

	box.mu.Lock()
	box.db = db
	box.key = newKey
	box.closed = false
	box.mu.Unlock()

	e.encryptionRegistry[name] = true
	return nil
}

// Close closes every open box.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, box := range e.boxes {
		if err := box.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("box %s: %w", name, err)
		}
	}
	return firstErr
}

func isoTimestamp() string {
	return time.Now().UTC().Format("20060102T150405.000000000Z")
}

func copyDir(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o700)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o600)
	})
}
