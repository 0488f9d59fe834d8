// Package repair implements RepairToolkit (§4.15): four idempotent,
// confirmation-token-gated maintenance actions, each emitting an audit
// trail of started/completed/error records.
package repair

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/pendingindex"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/txjournal"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

// Action names the four registered repair actions.
type Action string

const (
	ActionRebuildIndex     Action = "rebuild_index"
	ActionRetryFailedOps   Action = "retry_failed_ops"
	ActionVerifyEncryption Action = "verify_encryption"
	ActionCompactBoxes     Action = "compact_boxes"
)

const tokenTTL = 5 * time.Minute

// AuditEventKind enumerates the audit trail an action invocation emits.
type AuditEventKind string

const (
	AuditStarted   AuditEventKind = "started"
	AuditCompleted AuditEventKind = "completed"
	AuditError     AuditEventKind = "error"
)

// AuditRecord is one emitted audit entry.
type AuditRecord struct {
	Action    Action
	Kind      AuditEventKind
	Timestamp time.Time
	Before    map[string]interface{}
	After     map[string]interface{}
	Error     string
}

// Clock abstracts wall-clock reads for deterministic token expiry in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

type issuedToken struct {
	value     string
	expiresAt time.Time
}

// Toolkit exposes the four repair actions, gated by per-action
// confirmation tokens.
type Toolkit struct {
	engine   *storage.Engine
	index    *pendingindex.Index
	ops      *opstore.Store
	journal  *txjournal.Journal
	boxNames []string
	clock    Clock
	logger   *zap.Logger

	mu     sync.Mutex
	tokens map[Action]issuedToken
	audit  []AuditRecord
}

// New builds a Toolkit. boxNames lists every registered box, used by
// compact_boxes and verify_encryption.
func New(engine *storage.Engine, index *pendingindex.Index, ops *opstore.Store, journal *txjournal.Journal, boxNames []string, clock Clock, logger *zap.Logger) *Toolkit {
	if clock == nil {
		clock = SystemClock
	}
	return &Toolkit{
		engine:   engine,
		index:    index,
		ops:      ops,
		journal:  journal,
		boxNames: boxNames,
		clock:    clock,
		logger:   logger,
		tokens:   make(map[Action]issuedToken),
	}
}

// IssueToken mints a confirmation token bound to action, valid for 5
// minutes.
func (t *Toolkit) IssueToken(action Action) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("repair toolkit: failed to generate token: %w", err)
	}
	value := hex.EncodeToString(buf)

	t.mu.Lock()
	t.tokens[action] = issuedToken{value: value, expiresAt: t.clock.Now().Add(tokenTTL)}
	t.mu.Unlock()
	return value, nil
}

func (t *Toolkit) checkToken(action Action, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	issued, ok := t.tokens[action]
	if !ok || issued.value != token {
		return fmt.Errorf("repair toolkit: invalid confirmation token for %s", action)
	}
	if t.clock.Now().After(issued.expiresAt) {
		delete(t.tokens, action)
		return fmt.Errorf("repair toolkit: confirmation token for %s has expired", action)
	}
	return nil
}

func (t *Toolkit) recordAudit(rec AuditRecord) {
	t.mu.Lock()
	t.audit = append(t.audit, rec)
	t.mu.Unlock()
}

// Audit returns the full audit trail recorded so far.
func (t *Toolkit) Audit() []AuditRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AuditRecord(nil), t.audit...)
}

func (t *Toolkit) run(action Action, token string, before map[string]interface{}, fn func() (map[string]interface{}, error)) error {
	if err := t.checkToken(action, token); err != nil {
		return err
	}

	t.recordAudit(AuditRecord{Action: action, Kind: AuditStarted, Timestamp: t.clock.Now(), Before: before})

	after, err := fn()
	if err != nil {
		t.recordAudit(AuditRecord{Action: action, Kind: AuditError, Timestamp: t.clock.Now(), Before: before, Error: err.Error()})
		return err
	}

	t.recordAudit(AuditRecord{Action: action, Kind: AuditCompleted, Timestamp: t.clock.Now(), Before: before, After: after})
	return nil
}

// RebuildIndex rebuilds the pending index from the op store (idempotent).
func (t *Toolkit) RebuildIndex(token string) error {
	return t.run(ActionRebuildIndex, token, nil, func() (map[string]interface{}, error) {
		if err := t.index.Rebuild(t.ops); err != nil {
			return nil, err
		}
		n, err := t.ops.Len()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"indexed": n}, nil
	})
}

// RetryFailedOps moves every record in the failed-op store back into the
// pending-op store for another attempt, resetting attempts to zero. A
// no-op when the failed store is empty.
func (t *Toolkit) RetryFailedOps(token string) error {
	return t.run(ActionRetryFailedOps, token, nil, func() (map[string]interface{}, error) {
		failed, err := t.ops.AllFailed()
		if err != nil {
			return nil, err
		}

		requeued := 0
		for _, fo := range failed {
			op := fo.Op
			op.Attempts = 0
			op.Status = types.StatusPending
			op.LastError = ""
			op.NextEligibleAt = nil

			writeOp, err := opstore.WriteOp(&op)
			if err != nil {
				return nil, err
			}
			deleteFailed := txjournal.Delete(opstore.FailedBoxName, op.ID)
			if err := t.journal.Execute([]txjournal.Op{writeOp, deleteFailed}); err != nil {
				return nil, fmt.Errorf("requeue %s: %w", op.ID, err)
			}
			if err := t.index.Enqueue(op.ID, op.CreatedAt); err != nil {
				return nil, fmt.Errorf("reindex %s: %w", op.ID, err)
			}
			requeued++
		}
		return map[string]interface{}{"requeued": requeued}, nil
	})
}

// VerifyEncryption reports which registered boxes are open without the
// encryption their descriptor requires, without aborting the process.
func (t *Toolkit) VerifyEncryption(token string) error {
	return t.run(ActionVerifyEncryption, token, nil, func() (map[string]interface{}, error) {
		registry := t.engine.EncryptionRegistrySnapshot()
		descriptors := make([]types.BoxDescriptor, 0, len(t.boxNames))
		for _, name := range t.boxNames {
			if box, ok := t.engine.Box(name); ok {
				descriptors = append(descriptors, box.Descriptor())
			}
		}
		violations := storage.Violations(descriptors, registry)
		return map[string]interface{}{"violations": violations}, nil
	})
}

// CompactBoxes runs Badger's value-log GC across every registered box.
func (t *Toolkit) CompactBoxes(token string) error {
	return t.run(ActionCompactBoxes, token, nil, func() (map[string]interface{}, error) {
		compacted := 0
		for _, name := range t.boxNames {
			if err := t.engine.Compact(name); err != nil {
				t.logger.Sugar().Warnw("repair toolkit: compact failed, skipping box", "box", name, "error", err)
				continue
			}
			compacted++
		}
		return map[string]interface{}{"compacted": compacted}, nil
	})
}
