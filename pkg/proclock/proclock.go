// Package proclock implements ProcessingLock (§4.8): a singleton
// process-level lock recorded in MetaStore so two concurrent dispatcher
// runs never interleave writes, grounded on the same acquire-with-staleness-
// reclaim shape as a system-operation lock service, adapted from a
// database row to a single MetaStore record since synccore has no
// separate relational store.
package proclock

import (
	"time"

	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/types"
)

// Lock coordinates exclusive access to the dispatcher's processing pass.
type Lock struct {
	meta           *metastore.MetaStore
	staleThreshold time.Duration
}

// New builds a Lock backed by meta. staleThreshold is lock_stale_threshold
// (5m default) - how old an unreleased lock record must be before another
// pid may reclaim it.
func New(meta *metastore.MetaStore, staleThreshold time.Duration) *Lock {
	return &Lock{meta: meta, staleThreshold: staleThreshold}
}

// TryAcquire attempts to take the lock for pid. It succeeds if no lock is
// held, or if the existing lock is older than staleThreshold - in which
// case the returned record has StaleRecovered set, for the caller to bump
// a telemetry counter.
func (l *Lock) TryAcquire(pid string) (acquired bool, record *types.ProcessingLockRecord, err error) {
	var existing types.ProcessingLockRecord
	ok, err := l.meta.GetJSON(types.MetaKeyProcessingLock, &existing)
	if err != nil {
		return false, nil, err
	}

	now := time.Now().UTC()
	staleRecovered := false
	if ok {
		if now.Sub(existing.StartedAt) < l.staleThreshold {
			return false, &existing, nil
		}
		staleRecovered = true
	}

	record = &types.ProcessingLockRecord{
		PID:            pid,
		StartedAt:      now,
		StaleRecovered: staleRecovered,
	}
	if err := l.meta.SetJSON(types.MetaKeyProcessingLock, record); err != nil {
		return false, nil, err
	}
	return true, record, nil
}

// Release drops the lock, but only if pid still owns it.
func (l *Lock) Release(pid string) error {
	var existing types.ProcessingLockRecord
	ok, err := l.meta.GetJSON(types.MetaKeyProcessingLock, &existing)
	if err != nil {
		return err
	}
	if !ok || existing.PID != pid {
		return nil
	}
	return l.meta.Delete(types.MetaKeyProcessingLock)
}
