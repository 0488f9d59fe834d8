// Package txjournal implements TransactionJournal (§4.4): multi-box
// write/delete batches that are either entirely visible after a crash or
// not at all, built on an append-only intention log the same way the
// teacher sequences a BLS reshare behind a single commit marker.
package txjournal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

const BoxName = "txjournal"

// Descriptor is the box descriptor the journal registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           10,
	SchemaVersion:    1,
}

// OpKind distinguishes a write from a delete within a transaction.
type OpKind string

const (
	OpWrite  OpKind = "write"
	OpDelete OpKind = "delete"
)

// Op is a single write or delete targeting one box.
type Op struct {
	Box   string `json:"box"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
	Kind  OpKind `json:"kind"`
}

// Write returns a write op.
func Write(box, key string, value []byte) Op { return Op{Box: box, Key: key, Value: value, Kind: OpWrite} }

// Delete returns a delete op.
func Delete(box, key string) Op { return Op{Box: box, Key: key, Kind: OpDelete} }

type intentionStatus string

const (
	statusPending   intentionStatus = "pending"
	statusCommitted intentionStatus = "committed"
)

type intention struct {
	ID        string          `json:"id"`
	Ops       []Op            `json:"ops"`
	Status    intentionStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func intentionKey(id string) string { return "intention:" + id }

// Journal coordinates cross-box transactions against a fixed set of
// registered boxes.
type Journal struct {
	engine      *storage.Engine
	journalBox  *storage.Box
	knownBoxes  map[string]bool
	logger      *zap.Logger
}

// Open opens the journal box (which must be registered with encryption, as
// it holds raw pre-encryption values of ops targeting other boxes) and
// restricts Execute to only the named boxes.
func Open(engine *storage.Engine, key []byte, knownBoxes []string, logger *zap.Logger) (*Journal, error) {
	box, err := engine.Open(Descriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction journal: %w", err)
	}
	known := make(map[string]bool, len(knownBoxes))
	for _, name := range knownBoxes {
		known[name] = true
	}
	return &Journal{engine: engine, journalBox: box, knownBoxes: known, logger: logger}, nil
}

// Execute applies ops to their target boxes with crash-atomic visibility:
// an intention record is durably appended before any box is touched, and
// marked committed only after every op has been applied.
func (j *Journal) Execute(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if !j.knownBoxes[op.Box] {
			return &types.TransactionRejectedError{Reason: fmt.Sprintf("unknown box %q", op.Box)}
		}
	}

	rec := intention{
		ID:        uuid.NewString(),
		Ops:       ops,
		Status:    statusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.putIntention(&rec); err != nil {
		return types.NewTransactionAbortedError(err)
	}

	if err := j.apply(ops); err != nil {
		return types.NewTransactionAbortedError(err)
	}

	rec.Status = statusCommitted
	if err := j.putIntention(&rec); err != nil {
		// The ops already landed; failing to mark committed only means
		// Replay will redundantly (and safely) reapply them on next
		// startup, so this is logged rather than surfaced as an abort.
		j.logger.Sugar().Errorw("failed to mark transaction committed after apply", "id", rec.ID, "error", err)
	}

	return nil
}

func (j *Journal) apply(ops []Op) error {
	for _, op := range ops {
		box, ok := j.engine.Box(op.Box)
		if !ok {
			return fmt.Errorf("box %s is not open", op.Box)
		}
		var err error
		switch op.Kind {
		case OpWrite:
			err = box.Put(op.Key, op.Value)
		case OpDelete:
			err = box.Delete(op.Key)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("op %s %s/%s: %w", op.Kind, op.Box, op.Key, err)
		}
	}
	return nil
}

func (j *Journal) putIntention(rec *intention) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal intention %s: %w", rec.ID, err)
	}
	return j.journalBox.Put(intentionKey(rec.ID), data)
}

// Replay scans the journal at startup and reapplies any intention left
// pending by a crash. Ops are idempotent (overwrite or delete-if-present),
// so reapplying a partially-applied intention is always safe.
func (j *Journal) Replay() error {
	keys, err := j.journalBox.Keys("intention:")
	if err != nil {
		return fmt.Errorf("failed to list journal entries: %w", err)
	}

	for _, key := range keys {
		raw, ok, err := j.journalBox.Get(key)
		if err != nil {
			return fmt.Errorf("failed to read journal entry %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var rec intention
		if err := json.Unmarshal(raw, &rec); err != nil {
			j.logger.Sugar().Errorw("skipping corrupt journal entry", "key", key, "error", err)
			continue
		}
		if rec.Status != statusPending {
			continue
		}

		j.logger.Sugar().Warnw("replaying uncommitted transaction from prior crash", "id", rec.ID)
		if err := j.apply(rec.Ops); err != nil {
			return fmt.Errorf("failed to replay intention %s: %w", rec.ID, err)
		}
		rec.Status = statusCommitted
		if err := j.putIntention(&rec); err != nil {
			return fmt.Errorf("failed to mark replayed intention %s committed: %w", rec.ID, err)
		}
	}
	return nil
}

// Prune deletes committed intention records older than age, keeping the
// append-only journal from growing without bound. Exposed for
// RepairToolkit's periodic maintenance pass.
func (j *Journal) Prune(age time.Duration) (int, error) {
	keys, err := j.journalBox.Keys("intention:")
	if err != nil {
		return 0, fmt.Errorf("failed to list journal entries: %w", err)
	}

	cutoff := time.Now().Add(-age)
	pruned := 0
	for _, key := range keys {
		raw, ok, err := j.journalBox.Get(key)
		if err != nil || !ok {
			continue
		}
		var rec intention
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Status == statusCommitted && rec.CreatedAt.Before(cutoff) {
			if err := j.journalBox.Delete(key); err != nil {
				return pruned, fmt.Errorf("failed to prune journal entry %s: %w", key, err)
			}
			pruned++
		}
	}
	return pruned, nil
}
