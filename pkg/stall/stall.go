// Package stall implements StallDetector (§4.12): a periodic sampler of
// oldest-op age and processing-lock age that attempts bounded, cooled-down
// recovery when the dispatcher appears wedged.
package stall

import (
	"time"

	"go.uber.org/zap"
)

// EventKind enumerates the audit events StallDetector emits.
type EventKind string

const (
	EventStallDetected      EventKind = "stall_detected"
	EventMaxRecoveryReached EventKind = "max_recovery_reached"
	EventRecoveryCompleted  EventKind = "recovery_completed"
	EventRecoveryFailed     EventKind = "recovery_failed"
	EventUnstalled          EventKind = "unstalled"
)

// Event is a single StallDetector audit entry.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
}

// Clock abstracts wall-clock reads for test determinism.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Sample is what the caller reports on each tick: how old the oldest
// pending op is, and whether the processing lock is currently stale. An
// empty queue reports oldestOpAge == 0 and hasOps == false.
type Sample struct {
	OldestOpAge time.Duration
	HasOps      bool
	LockStale   bool
}

// Recovery is invoked once StallDetector decides to attempt recovery. It
// should release the stale lock (if any), rebuild the pending index, and
// poke the queue to process immediately; returning an error marks the
// attempt failed without stopping future attempts.
type Recovery func() error

// Detector tracks stall state across ticks.
type Detector struct {
	stallThreshold      time.Duration
	maxRecoveryAttempts int
	recoveryCooldown    time.Duration

	recovery Recovery
	clock    Clock
	logger   *zap.Logger

	stalled          bool
	recoveryAttempts int
	lastRecoveryAt   time.Time

	events chan Event
}

// Config bundles the tunables from §6.5.
type Config struct {
	StallThreshold      time.Duration
	MaxRecoveryAttempts int
	RecoveryCooldown    time.Duration
}

// New builds a Detector. recovery is the supplied "poke the queue"
// callback; clock defaults to wall-clock time when nil.
func New(cfg Config, recovery Recovery, clock Clock, logger *zap.Logger) *Detector {
	if clock == nil {
		clock = SystemClock
	}
	return &Detector{
		stallThreshold:      cfg.StallThreshold,
		maxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		recoveryCooldown:    cfg.RecoveryCooldown,
		recovery:            recovery,
		clock:               clock,
		logger:              logger,
		events:              make(chan Event, 64),
	}
}

// Events returns the audit event stream. Readers must drain it or events
// are dropped once the buffer fills.
func (d *Detector) Events() <-chan Event {
	return d.events
}

func (d *Detector) emit(kind EventKind) {
	select {
	case d.events <- Event{Kind: kind, Timestamp: d.clock.Now()}:
	default:
		d.logger.Sugar().Warnw("stall detector event stream full, dropping event", "kind", kind)
	}
}

// Sample feeds one observation into the detector and runs the §4.12
// decision procedure.
func (d *Detector) Sample(s Sample) {
	if !s.HasOps || s.OldestOpAge < d.stallThreshold {
		if d.stalled {
			d.stalled = false
			d.recoveryAttempts = 0
			d.emit(EventUnstalled)
		}
		return
	}

	if !d.stalled {
		d.stalled = true
		d.emit(EventStallDetected)
	}

	if d.recoveryAttempts >= d.maxRecoveryAttempts {
		d.emit(EventMaxRecoveryReached)
		return
	}

	now := d.clock.Now()
	if !d.lastRecoveryAt.IsZero() && now.Sub(d.lastRecoveryAt) < d.recoveryCooldown {
		return
	}

	d.recoveryAttempts++
	d.lastRecoveryAt = now
	if d.recovery == nil {
		d.emit(EventRecoveryFailed)
		return
	}
	if err := d.recovery(); err != nil {
		d.logger.Sugar().Errorw("stall recovery attempt failed", "attempt", d.recoveryAttempts, "error", err)
		d.emit(EventRecoveryFailed)
		return
	}
	d.emit(EventRecoveryCompleted)
}

// Stalled reports whether the detector currently considers the queue
// stalled.
func (d *Detector) Stalled() bool { return d.stalled }

// RecoveryAttempts returns how many recovery attempts have been made
// since the current stall began.
func (d *Detector) RecoveryAttempts() int { return d.recoveryAttempts }
