// Package emergency implements EmergencyQueue (§4.10): a separate store
// for priority-emergency operations so a stuck normal queue can never
// block a critical one, with its own short backoff and an escalation
// callback into SafetyFallback once an op exhausts its attempts.
package emergency

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-angel/synccore/pkg/storage"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

const BoxName = "emergency_ops"

// Descriptor is the box descriptor Queue registers with StorageEngine.
var Descriptor = types.BoxDescriptor{
	Name:             BoxName,
	EncryptionPolicy: types.EncryptionRequired,
	TypeID:           30,
	SchemaVersion:    1,
}

const maxAttempts = 5

// EventKind enumerates the event stream EmergencyQueue emits (§4.10).
type EventKind string

const (
	EventEnqueued                   EventKind = "enqueued"
	EventProcessed                  EventKind = "processed"
	EventEscalated                  EventKind = "escalated"
	EventRetryLoopTriggered         EventKind = "retry_loop_triggered"
	EventImmediateProcessingRequest EventKind = "immediate_processing_requested"
)

// Event is a single entry in EmergencyQueue's event stream.
type Event struct {
	Kind      EventKind
	OpID      string
	Timestamp time.Time
}

// Clock abstracts wall-clock reads so tests can fast-forward backoff.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// OnEscalate is invoked once an emergency op exhausts its attempts,
// typically wired to safety.Machine.RecordEmergencyFailure.
type OnEscalate func(op *types.Operation) error

// Queue is the emergency-priority op store.
type Queue struct {
	box        *storage.Box
	mirror     syncpkg.CloudMirror
	onEscalate OnEscalate
	clock      Clock
	logger     *zap.Logger

	backoffBase time.Duration
	backoffCap  time.Duration

	events chan Event
}

// Open opens the emergency-ops box.
func Open(engine *storage.Engine, key []byte, backoffBase, backoffCap time.Duration, mirror syncpkg.CloudMirror, onEscalate OnEscalate, clock Clock, logger *zap.Logger) (*Queue, error) {
	box, err := engine.Open(Descriptor, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open emergency queue: %w", err)
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Queue{
		box:         box,
		mirror:      mirror,
		onEscalate:  onEscalate,
		clock:       clock,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		events:      make(chan Event, 256),
	}, nil
}

// Events returns the event stream. Readers must drain it or events are
// dropped once the buffer fills, to keep a slow consumer from blocking
// dispatch.
func (q *Queue) Events() <-chan Event {
	return q.events
}

func (q *Queue) emit(kind EventKind, opID string) {
	select {
	case q.events <- Event{Kind: kind, OpID: opID, Timestamp: q.clock.Now()}:
	default:
		q.logger.Sugar().Warnw("emergency queue event stream full, dropping event", "kind", kind, "op_id", opID)
	}
}

func (q *Queue) get(id string) (*types.Operation, bool, error) {
	raw, ok, err := q.box.Get(id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var op types.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, false, fmt.Errorf("emergency queue: corrupt op %s: %w", id, err)
	}
	return &op, true, nil
}

func (q *Queue) put(op *types.Operation) error {
	op.UpdatedAt = q.clock.Now()
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("emergency queue: failed to marshal op %s: %w", op.ID, err)
	}
	return q.box.Put(op.ID, data)
}

// Enqueue accepts a priority-emergency op.
func (q *Queue) Enqueue(op *types.Operation) error {
	if op.Priority != types.PriorityEmergency {
		return fmt.Errorf("emergency queue only accepts emergency-priority ops, got %s", op.Priority)
	}
	op.Normalize()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("emergency queue: invalid op: %w", err)
	}
	if err := q.put(op); err != nil {
		return err
	}
	q.emit(EventEnqueued, op.ID)
	return nil
}

func backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	d := base * time.Duration(int64(1)<<uint(attempts))
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

func (q *Queue) eligible(op *types.Operation, now time.Time) bool {
	if op.Status == types.StatusEscalated {
		return false
	}
	return op.NextEligibleAt == nil || !now.Before(*op.NextEligibleAt)
}

// HasEligibleOps reports whether at least one non-escalated op is ready to
// dispatch now, so the 2s timer loop in pkg/core can skip an idle pass.
func (q *Queue) HasEligibleOps() (bool, error) {
	ids, err := q.box.Keys("")
	if err != nil {
		return false, fmt.Errorf("emergency queue: list: %w", err)
	}
	now := q.clock.Now()
	for _, id := range ids {
		op, ok, err := q.get(id)
		if err != nil || !ok {
			continue
		}
		if q.eligible(op, now) {
			return true, nil
		}
	}
	return false, nil
}

// ProcessAll calls handler for every eligible, non-escalated op.
func (q *Queue) ProcessAll(consumer syncpkg.Consumer) (processed int, err error) {
	ids, err := q.box.Keys("")
	if err != nil {
		return 0, fmt.Errorf("emergency queue: list: %w", err)
	}

	now := q.clock.Now()
	for _, id := range ids {
		op, ok, err := q.get(id)
		if err != nil {
			return processed, err
		}
		if !ok || !q.eligible(op, now) {
			continue
		}

		consumer.OnQueueStart()
		result := consumer.Process(op)
		consumer.OnQueueEnd()

		if result.Kind == syncpkg.ResultSuccess {
			if err := q.box.Delete(op.ID); err != nil {
				return processed, fmt.Errorf("emergency queue: delete %s: %w", op.ID, err)
			}
			syncpkg.SafeMirror(q.mirror, op, q.logger)
			q.emit(EventProcessed, op.ID)
			processed++
			continue
		}

		op.Attempts++
		op.LastError = result.Message
		lastTried := now
		op.LastTriedAt = &lastTried

		if op.Attempts >= maxAttempts {
			op.Status = types.StatusEscalated
			if err := q.put(op); err != nil {
				return processed, err
			}
			if q.onEscalate != nil {
				if escErr := q.onEscalate(op); escErr != nil {
					q.logger.Sugar().Errorw("emergency escalation callback failed", "op_id", op.ID, "error", escErr)
				}
			}
			q.emit(EventEscalated, op.ID)
			continue
		}

		next := now.Add(backoff(op.Attempts, q.backoffBase, q.backoffCap))
		op.NextEligibleAt = &next
		op.Status = types.StatusRetry
		if err := q.put(op); err != nil {
			return processed, err
		}
		q.emit(EventRetryLoopTriggered, op.ID)
	}

	return processed, nil
}

// RequestImmediateProcessing emits the manual-trigger event and runs a
// pass immediately, for an admin-invoked "poke" outside the 2s timer.
func (q *Queue) RequestImmediateProcessing(consumer syncpkg.Consumer) (int, error) {
	q.emit(EventImmediateProcessingRequest, "")
	return q.ProcessAll(consumer)
}

// All returns every op currently held (for audit/health reporting).
func (q *Queue) All() ([]*types.Operation, error) {
	ids, err := q.box.Keys("")
	if err != nil {
		return nil, fmt.Errorf("emergency queue: list: %w", err)
	}
	out := make([]*types.Operation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := q.get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, op)
		}
	}
	return out, nil
}
