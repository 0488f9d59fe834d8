// Package queue implements PendingQueue (§4.9): the priority-ordered
// dispatcher for normal-priority operations, with exponential backoff,
// entity-fifo tie-breaking and poison-op isolation into the FailedOp
// store.
package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-angel/synccore/pkg/emergency"
	"github.com/guardian-angel/synccore/pkg/entitylock"
	"github.com/guardian-angel/synccore/pkg/idempotency"
	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/pendingindex"
	"github.com/guardian-angel/synccore/pkg/proclock"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/txjournal"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

// State is the PendingQueue dispatcher's own lifecycle state, distinct
// from any one Operation's Status.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateBlocked    State = "blocked"
	StatePaused     State = "paused"
	StateError      State = "error"
)

const maxAttempts = 7

// Clock abstracts wall-clock reads so backoff/eligibility tests don't sleep.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Queue is the normal-priority dispatcher.
type Queue struct {
	ops       *opstore.Store
	index     *pendingindex.Index
	idem      *idempotency.Cache
	locks     *entitylock.Locks
	lock      *proclock.Lock
	journal   *txjournal.Journal
	emergency *emergency.Queue
	mirror    syncpkg.CloudMirror
	clock     Clock
	logger    *zap.Logger

	pid         string
	backoffBase time.Duration
	backoffCap  time.Duration

	state State
}

// Deps bundles the collaborators Open wires together, matching the
// component boundaries each already owns its own box.
type Deps struct {
	Ops       *opstore.Store
	Index     *pendingindex.Index
	Idem      *idempotency.Cache
	Locks     *entitylock.Locks
	ProcLock  *proclock.Lock
	Journal   *txjournal.Journal
	Emergency *emergency.Queue // may be nil: emergency ops then route through this queue
	Mirror    syncpkg.CloudMirror
	Clock     Clock
	Logger    *zap.Logger
}

// Open builds a Queue from its already-open collaborators.
func Open(pid string, backoffBase, backoffCap time.Duration, deps Deps) *Queue {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Queue{
		ops:         deps.Ops,
		index:       deps.Index,
		idem:        deps.Idem,
		locks:       deps.Locks,
		lock:        deps.ProcLock,
		journal:     deps.Journal,
		emergency:   deps.Emergency,
		mirror:      deps.Mirror,
		clock:       clock,
		logger:      deps.Logger,
		pid:         pid,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		state:       StateIdle,
	}
}

// State returns the dispatcher's current lifecycle state.
func (q *Queue) State() State { return q.state }

func (q *Queue) canStartProcessing() bool {
	return q.state == StateIdle || q.state == StateBlocked
}

// Enqueue accepts a new operation (§4.9 enqueue). Returns false without
// error when the idempotency key has already been seen.
func (q *Queue) Enqueue(op *types.Operation) (bool, error) {
	op.Normalize()
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if err := op.Validate(); err != nil {
		return false, fmt.Errorf("pending queue: invalid op: %w", err)
	}

	isNew, err := q.idem.Record(op.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("pending queue: idempotency check failed: %w", err)
	}
	if !isNew {
		return false, nil
	}

	if op.Priority == types.PriorityEmergency && q.emergency != nil {
		if err := q.emergency.Enqueue(op); err != nil {
			return false, fmt.Errorf("pending queue: failed to route to emergency queue: %w", err)
		}
		return true, nil
	}

	opPut, err := opstore.WriteOp(op)
	if err != nil {
		return false, err
	}
	ops := []txjournal.Op{opPut}
	if err := q.journal.Execute(ops); err != nil {
		return false, fmt.Errorf("pending queue: failed to journal enqueue: %w", err)
	}
	if err := q.index.Enqueue(op.ID, op.CreatedAt); err != nil {
		return false, fmt.Errorf("pending queue: failed to index enqueue: %w", err)
	}
	return true, nil
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

// priorityThenCreated implements the stable sort order of §4.9 step 5:
// priority ordinal ascending, then created_at ascending within a level.
func priorityThenCreated(ops []*types.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
}

// Process runs one dispatcher pass (§4.9 process), handling up to
// batchSize operations, and returns how many were fully resolved
// (succeeded or moved to FailedOp). It does not return an error for
// per-op failures; those are folded into the normal retry/poison paths.
func (q *Queue) Process(batchSize int, consumer syncpkg.Consumer) (int, error) {
	if !q.canStartProcessing() {
		return 0, fmt.Errorf("pending queue: cannot start processing from state %s", q.state)
	}

	acquired, _, err := q.lock.TryAcquire(q.pid)
	if err != nil {
		return 0, fmt.Errorf("pending queue: failed to acquire processing lock: %w", err)
	}
	if !acquired {
		q.state = StateBlocked
		return 0, nil
	}
	defer func() {
		if err := q.lock.Release(q.pid); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to release processing lock", "error", err)
		}
	}()

	q.state = StateProcessing

	if _, err := q.idem.Cleanup(); err != nil {
		q.logger.Sugar().Errorw("pending queue: idempotency cleanup failed", "error", err)
	}
	if _, err := q.locks.CleanupExpiredLocks(); err != nil {
		q.logger.Sugar().Errorw("pending queue: entity lock cleanup failed", "error", err)
	}
	if _, err := q.index.IntegrityCheckAndRebuild(q.ops); err != nil {
		q.state = StateError
		return 0, fmt.Errorf("pending queue: index integrity check failed: %w", err)
	}

	ids, err := q.index.GetOldest(batchSize * 2)
	if err != nil {
		q.state = StateError
		return 0, fmt.Errorf("pending queue: failed to fetch oldest ops: %w", err)
	}

	candidates := make([]*types.Operation, 0, len(ids))
	for _, id := range ids {
		op, ok, err := q.ops.Get(id)
		if err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to load candidate op", "id", id, "error", err)
			continue
		}
		if ok {
			candidates = append(candidates, op)
		}
	}
	priorityThenCreated(candidates)

	processed := 0
	now := q.clock.Now()
	for _, op := range candidates {
		if processed >= batchSize {
			break
		}

		if !op.IsEligibleNow(now) {
			continue
		}

		if op.Attempts >= maxAttempts {
			if err := q.poison(op); err != nil {
				q.state = StateError
				return processed, err
			}
			continue
		}

		acquiredEntity, err := q.locks.TryAcquire(op)
		if err != nil {
			q.logger.Sugar().Errorw("pending queue: entity lock acquire failed", "op_id", op.ID, "error", err)
			continue
		}
		if !acquiredEntity {
			continue
		}

		outcome := q.dispatch(op, consumer, now)
		if err := q.locks.Release(op); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to release entity lock", "op_id", op.ID, "error", err)
		}
		if outcome.resolved {
			processed++
		}
		if outcome.pause {
			q.state = StatePaused
			return processed, nil
		}
	}

	q.state = StateIdle
	return processed, nil
}

type dispatchOutcome struct {
	resolved bool
	pause    bool
}

func (q *Queue) dispatch(op *types.Operation, consumer syncpkg.Consumer, now time.Time) dispatchOutcome {
	consumer.OnQueueStart()
	result := consumer.Process(op)
	consumer.OnQueueEnd()

	switch result.Kind {
	case syncpkg.ResultSuccess:
		if err := q.journal.Execute([]txjournal.Op{opstore.DeleteOp(op.ID)}); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to journal completion", "op_id", op.ID, "error", err)
			return dispatchOutcome{}
		}
		if err := q.index.Remove(op.ID, op.CreatedAt); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to remove index entry", "op_id", op.ID, "error", err)
		}
		syncpkg.SafeMirror(q.mirror, op, q.logger)
		return dispatchOutcome{resolved: true}

	case syncpkg.ResultPermanentFailure:
		if err := q.failPermanently(op, result); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to move op to failed store", "op_id", op.ID, "error", err)
			return dispatchOutcome{}
		}
		return dispatchOutcome{resolved: true, pause: result.Classification == syncpkg.ClassAuth}

	default: // transient_failure, ack_pending
		op.Attempts++
		op.LastError = result.Message
		lastTried := now
		op.LastTriedAt = &lastTried
		next := now.Add(backoff(op.Attempts, q.backoffBase, q.backoffCap))
		op.NextEligibleAt = &next
		op.Status = types.StatusRetry
		if err := q.ops.Put(op); err != nil {
			q.logger.Sugar().Errorw("pending queue: failed to persist retry state", "op_id", op.ID, "error", err)
		}
		return dispatchOutcome{}
	}
}

func (q *Queue) poison(op *types.Operation) error {
	return q.moveToFailed(op, "POISON_OP", fmt.Sprintf("exceeded max attempts (%d)", maxAttempts))
}

func (q *Queue) failPermanently(op *types.Operation, result syncpkg.Result) error {
	code := string(result.Classification)
	if code == "" {
		code = "PERMANENT_FAILURE"
	}
	return q.moveToFailed(op, code, result.Message)
}

func (q *Queue) moveToFailed(op *types.Operation, code, message string) error {
	failedOp := &types.FailedOp{
		Op:           *op,
		ErrorCode:    code,
		ErrorMessage: message,
		MovedAt:      q.clock.Now(),
	}
	ops, err := opstore.MoveToFailed(failedOp)
	if err != nil {
		return err
	}
	if err := q.journal.Execute(ops); err != nil {
		return fmt.Errorf("pending queue: failed to journal move-to-failed for %s: %w", op.ID, err)
	}
	if err := q.index.Remove(op.ID, op.CreatedAt); err != nil {
		return fmt.Errorf("pending queue: failed to remove index entry for %s: %w", op.ID, err)
	}
	return nil
}

// HasEligibleOps reports whether the index currently holds any op that
// would be dispatched right now, so the idle-tick ticker in pkg/core can
// skip a processing pass when there's nothing to do.
func (q *Queue) HasEligibleOps(lookAhead int) (bool, error) {
	ids, err := q.index.GetOldest(lookAhead)
	if err != nil {
		return false, err
	}
	now := q.clock.Now()
	for _, id := range ids {
		op, ok, err := q.ops.Get(id)
		if err != nil || !ok {
			continue
		}
		if op.IsEligibleNow(now) {
			return true, nil
		}
	}
	return false, nil
}

// Resume clears a paused or blocked state back to idle, e.g. once an auth
// failure has been addressed out of band.
func (q *Queue) Resume() {
	if q.state == StatePaused || q.state == StateBlocked || q.state == StateError {
		q.state = StateIdle
	}
}
