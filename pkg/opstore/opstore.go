// Package opstore implements the pending-op store and the FailedOp store
// that back PendingQueue (§4.9) and PendingIndex (§4.6): two boxes, keyed
// by operation id, holding the JSON-encoded records themselves. Callers
// that need cross-box atomicity build txjournal.Op values from the Write/
// Delete helpers here rather than calling Put/Delete on the underlying box
// directly.
package opstore

import (
	"encoding/json"
	"fmt"

	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/txjournal"
	"github.com/guardian-angel/synccore/pkg/types"
)

const (
	OpsBoxName     = "ops"
	FailedBoxName  = "failed_ops"
)

// OpsDescriptor is the box descriptor for the pending-op store.
var OpsDescriptor = types.BoxDescriptor{
	Name:             OpsBoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           20,
	SchemaVersion:    1,
}

// FailedDescriptor is the box descriptor for the FailedOp store.
var FailedDescriptor = types.BoxDescriptor{
	Name:             FailedBoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           21,
	SchemaVersion:    1,
}

// Store wraps the ops and failed_ops boxes with typed accessors.
type Store struct {
	ops    *storage.Box
	failed *storage.Box
}

// Open opens both boxes under the given encryption key.
func Open(engine *storage.Engine, key []byte) (*Store, error) {
	ops, err := engine.Open(OpsDescriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open ops store: %w", err)
	}
	failed, err := engine.Open(FailedDescriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open failed-op store: %w", err)
	}
	return &Store{ops: ops, failed: failed}, nil
}

// Get returns the operation with the given id.
func (s *Store) Get(id string) (*types.Operation, bool, error) {
	raw, ok, err := s.ops.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var op types.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, false, fmt.Errorf("opstore: corrupt operation %s: %w", id, err)
	}
	return &op, true, nil
}

// Put writes op directly, outside of a journaled transaction. Used by
// PendingQueue to persist the attempt/backoff fields of an op already on
// disk, where cross-box atomicity with the index is not required since the
// index entry for that op id does not change.
func (s *Store) Put(op *types.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("opstore: failed to marshal operation %s: %w", op.ID, err)
	}
	return s.ops.Put(op.ID, data)
}

// Delete removes an operation directly, outside of a journaled transaction.
func (s *Store) Delete(id string) error {
	return s.ops.Delete(id)
}

// All returns every operation currently in the pending-op store, used by
// PendingIndex.Rebuild.
func (s *Store) All() ([]*types.Operation, error) {
	ids, err := s.ops.Keys("")
	if err != nil {
		return nil, fmt.Errorf("opstore: failed to list operations: %w", err)
	}
	out := make([]*types.Operation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, op)
		}
	}
	return out, nil
}

// Len returns the number of operations currently pending.
func (s *Store) Len() (int, error) {
	return s.ops.Length()
}

// WriteOp builds the journal op that writes op into the ops store.
func WriteOp(op *types.Operation) (txjournal.Op, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return txjournal.Op{}, fmt.Errorf("opstore: failed to marshal operation %s: %w", op.ID, err)
	}
	return txjournal.Write(OpsBoxName, op.ID, data), nil
}

// DeleteOp builds the journal op that removes id from the ops store.
func DeleteOp(id string) txjournal.Op {
	return txjournal.Delete(OpsBoxName, id)
}

// MoveToFailed persists a FailedOp record atomically with removing the
// original operation from the pending-op store.
func MoveToFailed(failedOp *types.FailedOp) ([]txjournal.Op, error) {
	data, err := json.Marshal(failedOp)
	if err != nil {
		return nil, fmt.Errorf("opstore: failed to marshal failed operation %s: %w", failedOp.Op.ID, err)
	}
	return []txjournal.Op{
		DeleteOp(failedOp.Op.ID),
		txjournal.Write(FailedBoxName, failedOp.Op.ID, data),
	}, nil
}

// GetFailed returns the failed operation with the given id.
func (s *Store) GetFailed(id string) (*types.FailedOp, bool, error) {
	raw, ok, err := s.failed.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var fo types.FailedOp
	if err := json.Unmarshal(raw, &fo); err != nil {
		return nil, false, fmt.Errorf("opstore: corrupt failed operation %s: %w", id, err)
	}
	return &fo, true, nil
}

// AllFailed returns every record in the FailedOp store.
func (s *Store) AllFailed() ([]*types.FailedOp, error) {
	ids, err := s.failed.Keys("")
	if err != nil {
		return nil, fmt.Errorf("opstore: failed to list failed operations: %w", err)
	}
	out := make([]*types.FailedOp, 0, len(ids))
	for _, id := range ids {
		fo, ok, err := s.GetFailed(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, fo)
		}
	}
	return out, nil
}
