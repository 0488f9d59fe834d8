// Package keystore implements KeyStore (§4.1): custody of the app-wide
// AES-256 symmetric key via a pluggable OS-secret-store backend, plus
// rotation bookkeeping that survives a crash mid-rotation by resuming from
// MetaStore's rotation_state.
package keystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

const (
	secretActiveKey    = "enc_key_v1"
	secretPrevKey      = "enc_key_prev"
	secretCandidateKey = "enc_key_v1_candidate"
)

// KeyStore holds the app's symmetric encryption key and coordinates its
// rotation across every required-encryption box.
type KeyStore struct {
	backend SecretBackend
	meta    *metastore.MetaStore
	logger  *zap.Logger

	mu  sync.RWMutex
	key []byte
}

// Open loads (or generates, on first run) the active key from backend and
// returns a ready-to-use KeyStore. If a rotation was left in_progress by a
// prior crash, it is resumed immediately against engine.
func Open(ctx context.Context, backend SecretBackend, meta *metastore.MetaStore, engine *storage.Engine, boxNames []string, logger *zap.Logger) (*KeyStore, error) {
	ks := &KeyStore{backend: backend, meta: meta, logger: logger}

	key, err := ks.ensureKey()
	if err != nil {
		return nil, err
	}
	ks.key = key

	state, err := ks.loadRotationState()
	if err != nil {
		return nil, err
	}
	if state != nil && state.Status == types.RotationInProgress {
		logger.Sugar().Warnw("resuming interrupted key rotation", "boxes_completed", state.BoxesCompleted)
		if err := ks.resumeRotation(engine, boxNames, state); err != nil {
			return nil, err
		}
	}

	return ks, nil
}

// ensureKey loads enc_key_v1, generating it on first run. A value that
// fails to decode to a valid key size is treated as a corruption event:
// the key (and therefore everything encrypted under it) is unrecoverable,
// so a fresh key is generated in its place rather than failing startup.
func (ks *KeyStore) ensureKey() ([]byte, error) {
	raw, ok, err := ks.backend.Get(secretActiveKey)
	if err != nil {
		return nil, types.NewKeyStoreUnavailableError(err)
	}
	if !ok {
		return ks.generateAndStore(secretActiveKey)
	}
	if len(raw) != encryption.KeySize {
		ks.logger.Sugar().Errorw("stored encryption key has invalid size, data under it is unrecoverable; regenerating",
			"expected_size", encryption.KeySize, "actual_size", len(raw))
		return ks.generateAndStore(secretActiveKey)
	}
	return raw, nil
}

func (ks *KeyStore) generateAndStore(name string) ([]byte, error) {
	key, err := encryption.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := ks.backend.Put(name, key); err != nil {
		return nil, types.NewKeyStoreUnavailableError(err)
	}
	return key, nil
}

// ActiveKey returns the currently active symmetric key.
func (ks *KeyStore) ActiveKey() []byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.key
}

func (ks *KeyStore) loadRotationState() (*types.RotationState, error) {
	var state types.RotationState
	ok, err := ks.meta.GetJSON(types.MetaKeyRotationState, &state)
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (ks *KeyStore) saveRotationState(state *types.RotationState) error {
	return ks.meta.SetJSON(types.MetaKeyRotationState, state)
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

// Rotate generates a new candidate key, re-encrypts every named box under
// it, and on success swaps the candidate in as the active key. boxNames
// must list every box whose descriptor requires encryption.
func (ks *KeyStore) Rotate(engine *storage.Engine, boxNames []string) error {
	candidate, err := encryption.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate rotation candidate: %w", err)
	}

	ks.mu.RLock()
	current := ks.key
	ks.mu.RUnlock()

	if err := ks.backend.Put(secretPrevKey, current); err != nil {
		return types.NewKeyStoreUnavailableError(err)
	}
	if err := ks.backend.Put(secretCandidateKey, candidate); err != nil {
		return types.NewKeyStoreUnavailableError(err)
	}

	state := &types.RotationState{
		Status:         types.RotationInProgress,
		StartedAt:      time.Now().UTC(),
		BoxesCompleted: nil,
	}
	if err := ks.saveRotationState(state); err != nil {
		return err
	}

	return ks.runRotation(engine, boxNames, candidate, state)
}

func (ks *KeyStore) resumeRotation(engine *storage.Engine, boxNames []string, state *types.RotationState) error {
	candidate, ok, err := ks.backend.Get(secretCandidateKey)
	if err != nil {
		return types.NewKeyStoreUnavailableError(err)
	}
	if !ok {
		return types.NewKeyStoreUnavailableError(fmt.Errorf("rotation marked in_progress but no candidate key is present"))
	}
	return ks.runRotation(engine, boxNames, candidate, state)
}

func (ks *KeyStore) runRotation(engine *storage.Engine, boxNames []string, candidate []byte, state *types.RotationState) error {
	for _, name := range boxNames {
		if contains(state.BoxesCompleted, name) {
			continue
		}
		if err := engine.RotateBoxKey(name, candidate); err != nil {
			return fmt.Errorf("rotation failed on box %s (resumable): %w", name, err)
		}
		state.BoxesCompleted = append(state.BoxesCompleted, name)
		if err := ks.saveRotationState(state); err != nil {
			return err
		}
	}

	if err := ks.backend.Put(secretActiveKey, candidate); err != nil {
		return types.NewKeyStoreUnavailableError(err)
	}
	if err := ks.backend.Delete(secretCandidateKey); err != nil {
		ks.logger.Sugar().Warnw("failed to delete rotation candidate secret after activation", "error", err)
	}
	if err := ks.backend.Delete(secretPrevKey); err != nil {
		ks.logger.Sugar().Warnw("failed to delete previous-key secret after rotation", "error", err)
	}

	ks.mu.Lock()
	ks.key = candidate
	ks.mu.Unlock()

	state.Status = types.RotationComplete
	return ks.saveRotationState(state)
}
