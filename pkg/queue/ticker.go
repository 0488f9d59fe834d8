package queue

import (
	"time"

	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Ticker drives repeated dispatcher passes on an interval. It uses
// rate.Sometimes to collapse the idle case: when HasEligibleOps reports
// nothing to do, Process is skipped entirely for this tick rather than
// acquiring the processing lock for a pass that would immediately return
// zero (§4.9a) - the one place this module reaches for golang.org/x/time
// outside the blockchain eviction paths it otherwise only serves.
type Ticker struct {
	queue    *Queue
	interval time.Duration
	batch    int
	lookAhead int
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewTicker builds a Ticker bound to q. lookAhead bounds how many of the
// oldest index entries HasEligibleOps inspects before declaring the queue
// idle for this tick.
func NewTicker(q *Queue, interval time.Duration, batch, lookAhead int, logger *zap.Logger) *Ticker {
	return &Ticker{
		queue:     q,
		interval:  interval,
		batch:     batch,
		lookAhead: lookAhead,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run drives ticks until Stop is called. consumer is invoked fresh on
// every tick that finds eligible work, so callers may swap the wired
// SyncConsumer between ticks without restarting the loop.
func (t *Ticker) Run(consumer syncpkg.Consumer) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	sometimes := rate.Sometimes{Interval: t.interval}
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			sometimes.Do(func() {
				eligible, err := t.queue.HasEligibleOps(t.lookAhead)
				if err != nil {
					t.logger.Sugar().Errorw("queue ticker: failed to check for eligible ops", "error", err)
					return
				}
				if !eligible {
					return
				}
				if _, err := t.queue.Process(t.batch, consumer); err != nil {
					t.logger.Sugar().Errorw("queue ticker: processing pass failed", "error", err)
				}
			})
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}
