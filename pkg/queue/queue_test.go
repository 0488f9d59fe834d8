package queue

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/encryption"
	"github.com/guardian-angel/synccore/pkg/entitylock"
	"github.com/guardian-angel/synccore/pkg/idempotency"
	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/pendingindex"
	"github.com/guardian-angel/synccore/pkg/proclock"
	"github.com/guardian-angel/synccore/pkg/storage"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/txjournal"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	meta, err := metastore.Open(engine)
	require.NoError(t, err)

	ops, err := opstore.Open(engine, key)
	require.NoError(t, err)

	idx, err := pendingindex.Open(engine, key)
	require.NoError(t, err)

	idem, err := idempotency.Open(engine, 24*time.Hour)
	require.NoError(t, err)

	locks, err := entitylock.Open(engine, key, 5*time.Minute)
	require.NoError(t, err)

	journal, err := txjournal.Open(engine, key, []string{opstore.OpsBoxName, opstore.FailedBoxName}, logging.NewNop())
	require.NoError(t, err)

	procLock := proclock.New(meta, 5*time.Minute)

	q := Open("test-pid", 2*time.Second, 10*time.Minute, Deps{
		Ops:      ops,
		Index:    idx,
		Idem:     idem,
		Locks:    locks,
		ProcLock: procLock,
		Journal:  journal,
		Logger:   logging.NewNop(),
		Clock:    &fakeClock{now: time.Now().UTC()},
	})
	return q
}

func testOp(id string, priority types.Priority, createdAt time.Time) *types.Operation {
	op := &types.Operation{
		ID:             id,
		IdempotencyKey: "idem-" + id,
		Priority:       priority,
		CreatedAt:      createdAt,
		SchemaVersion:  1,
	}
	op.Normalize()
	return op
}

type scriptedConsumer struct {
	resultFor func(op *types.Operation) syncpkg.Result
	order     []string
	starts    int
	ends      int
}

func (c *scriptedConsumer) OnQueueStart() { c.starts++ }
func (c *scriptedConsumer) OnQueueEnd()   { c.ends++ }
func (c *scriptedConsumer) Process(op *types.Operation) syncpkg.Result {
	c.order = append(c.order, op.ID)
	return c.resultFor(op)
}

func alwaysSucceed() *scriptedConsumer {
	return &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		return syncpkg.Result{Kind: syncpkg.ResultSuccess}
	}}
}

func TestEnqueueIsIdempotentByKey(t *testing.T) {
	q := newTestQueue(t)
	op := testOp("op-1", types.PriorityNormal, time.Now().UTC())

	first, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, first)

	second, err := q.Enqueue(op)
	require.NoError(t, err)
	require.False(t, second)

	n, err := q.ops.Len()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestProcessRespectsPriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now().UTC()

	// b, c, a enqueued in this order; priorities chosen so the dispatcher
	// must reorder to high, normal, normal (created_at breaks the tie).
	b := testOp("b", types.PriorityHigh, base)
	c := testOp("c", types.PriorityNormal, base.Add(time.Second))
	a := testOp("a", types.PriorityNormal, base.Add(2*time.Second))

	for _, op := range []*types.Operation{b, c, a} {
		ok, err := q.Enqueue(op)
		require.NoError(t, err)
		require.True(t, ok)
	}

	consumer := alwaysSucceed()
	processed, err := q.Process(10, consumer)
	require.NoError(t, err)
	require.Equal(t, 3, processed)
	require.Equal(t, []string{"b", "c", "a"}, consumer.order)
}

func TestProcessAppliesBackoffOnTransientFailure(t *testing.T) {
	q := newTestQueue(t)
	clock := q.clock.(*fakeClock)
	base := clock.now

	op := testOp("op-1", types.PriorityNormal, base)
	ok, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, ok)

	expectedDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for _, want := range expectedDelays {
		consumer := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
			return syncpkg.Result{Kind: syncpkg.ResultTransientFailure, Message: "down"}
		}}
		processed, err := q.Process(10, consumer)
		require.NoError(t, err)
		require.Equal(t, 0, processed, "transient failures are not counted as resolved")

		stored, ok, err := q.ops.Get("op-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, stored.NextEligibleAt)
		require.Equal(t, clock.now.Add(want), *stored.NextEligibleAt)

		clock.now = *stored.NextEligibleAt
	}
}

func TestProcessMovesPoisonOpToFailedStore(t *testing.T) {
	q := newTestQueue(t)
	clock := q.clock.(*fakeClock)

	op := testOp("op-1", types.PriorityNormal, clock.now)
	op.Attempts = maxAttempts - 1
	ok, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, ok)

	failing := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		return syncpkg.Result{Kind: syncpkg.ResultTransientFailure, Message: "still down"}
	}}
	_, err = q.Process(10, failing)
	require.NoError(t, err)

	// Attempts are now at maxAttempts; the next pass should poison it
	// instead of invoking the consumer again.
	clock.now = clock.now.Add(time.Hour)
	noCalls := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		t.Fatal("consumer should not be invoked for a poisoned op")
		return syncpkg.Result{}
	}}
	processed, err := q.Process(10, noCalls)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	_, ok, err = q.ops.Get("op-1")
	require.NoError(t, err)
	require.False(t, ok)

	failed, ok, err := q.ops.GetFailed("op-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "POISON_OP", failed.ErrorCode)
}

func TestEntityOrderingSkipsBlockedOpsButAdvancesOthers(t *testing.T) {
	q := newTestQueue(t)
	base := time.Now().UTC()

	first := testOp("first", types.PriorityNormal, base)
	first.EntityKey = "patient-1"
	second := testOp("second", types.PriorityNormal, base.Add(time.Second))
	second.EntityKey = "patient-1"
	other := testOp("other", types.PriorityNormal, base.Add(2*time.Second))
	other.EntityKey = "patient-2"

	for _, op := range []*types.Operation{first, second, other} {
		ok, err := q.Enqueue(op)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// "first" never resolves (stays transient), so "second" must be
	// skipped every pass while "other" (a different entity) still makes
	// progress.
	consumer := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		if op.ID == "first" {
			return syncpkg.Result{Kind: syncpkg.ResultTransientFailure, Message: "retry me"}
		}
		return syncpkg.Result{Kind: syncpkg.ResultSuccess}
	}}
	_, err := q.Process(10, consumer)
	require.NoError(t, err)

	require.NotContains(t, consumer.order, "second", "entity lock should have blocked second")
	require.Contains(t, consumer.order, "other")

	_, ok, err := q.ops.Get("second")
	require.NoError(t, err)
	require.True(t, ok, "second is still pending, blocked behind first")
}

func TestPermanentFailureWithAuthClassificationPausesQueue(t *testing.T) {
	q := newTestQueue(t)
	op := testOp("op-1", types.PriorityNormal, q.clock.(*fakeClock).now)
	ok, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, ok)

	consumer := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		return syncpkg.Result{Kind: syncpkg.ResultPermanentFailure, Classification: syncpkg.ClassAuth, Message: "token expired"}
	}}
	_, err = q.Process(10, consumer)
	require.NoError(t, err)
	require.Equal(t, StatePaused, q.State())
}

func TestProcessIsBlockedWhenLockHeldByAnotherPID(t *testing.T) {
	q := newTestQueue(t)
	acquired, _, err := q.lock.TryAcquire("some-other-pid")
	require.NoError(t, err)
	require.True(t, acquired)

	processed, err := q.Process(10, alwaysSucceed())
	require.NoError(t, err)
	require.Equal(t, 0, processed)
	require.Equal(t, StateBlocked, q.State())
}

func TestHasEligibleOpsReflectsBackoff(t *testing.T) {
	q := newTestQueue(t)
	clock := q.clock.(*fakeClock)
	op := testOp("op-1", types.PriorityNormal, clock.now)
	ok, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, ok)

	eligible, err := q.HasEligibleOps(20)
	require.NoError(t, err)
	require.True(t, eligible)

	failing := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		return syncpkg.Result{Kind: syncpkg.ResultTransientFailure}
	}}
	_, err = q.Process(10, failing)
	require.NoError(t, err)

	eligible, err = q.HasEligibleOps(20)
	require.NoError(t, err)
	require.False(t, eligible, "op is in backoff, should not be eligible yet")
}

func assertNoPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()
	f()
}

func TestEnqueueRejectsInvalidOperation(t *testing.T) {
	q := newTestQueue(t)
	op := &types.Operation{ID: "", Priority: types.PriorityNormal}
	assertNoPanic(t, func() {
		_, err := q.Enqueue(op)
		require.Error(t, err)
	})
}

func TestBackoffCapsAtTwentyAttempts(t *testing.T) {
	d := backoff(20, 2*time.Second, 10*time.Minute)
	require.Equal(t, 10*time.Minute, d)
	d = backoff(25, 2*time.Second, 10*time.Minute)
	require.Equal(t, 10*time.Minute, d)
}

func TestPriorityThenCreatedOrdering(t *testing.T) {
	base := time.Now().UTC()
	ops := []*types.Operation{
		testOp("low-late", types.PriorityLow, base.Add(3*time.Second)),
		testOp("normal-early", types.PriorityNormal, base),
		testOp("high-late", types.PriorityHigh, base.Add(5*time.Second)),
		testOp("normal-late", types.PriorityNormal, base.Add(time.Second)),
	}
	priorityThenCreated(ops)

	got := make([]string, len(ops))
	for i, op := range ops {
		got[i] = op.ID
	}
	require.Equal(t, []string{"high-late", "normal-early", "normal-late", "low-late"}, got)
}

func TestMoveToFailedProducesDescriptiveErrorCode(t *testing.T) {
	q := newTestQueue(t)
	op := testOp("op-1", types.PriorityNormal, q.clock.(*fakeClock).now)
	ok, err := q.Enqueue(op)
	require.NoError(t, err)
	require.True(t, ok)

	consumer := &scriptedConsumer{resultFor: func(op *types.Operation) syncpkg.Result {
		return syncpkg.Result{Kind: syncpkg.ResultPermanentFailure, Classification: syncpkg.ClassValidation, Message: "bad payload"}
	}}
	_, err = q.Process(10, consumer)
	require.NoError(t, err)

	failed, ok, err := q.ops.GetFailed("op-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(syncpkg.ClassValidation), failed.ErrorCode)
	require.Equal(t, "bad payload", failed.ErrorMessage)
}
