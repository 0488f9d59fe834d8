package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEntityLockExpiredAtExactBoundaryIsReclaimable(t *testing.T) {
	now := time.Now().UTC()
	lock := &EntityLock{EntityKey: "patient-1", OpID: "op-a", AcquiredAt: now.Add(-5 * time.Minute), ExpiresAt: now}
	require.True(t, lock.Expired(now), "lock age exactly equal to lock_timeout must be reclaimable")
}

func TestEntityLockNotYetExpiredIsNotReclaimable(t *testing.T) {
	now := time.Now().UTC()
	lock := &EntityLock{EntityKey: "patient-1", OpID: "op-a", AcquiredAt: now, ExpiresAt: now.Add(time.Second)}
	require.False(t, lock.Expired(now))
}
