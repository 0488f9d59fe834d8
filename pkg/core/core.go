// Package core wires every synccore component into one running service:
// KeyStore, MetaStore, StorageEngine, TransactionJournal, IdempotencyCache,
// PendingIndex, EntityOrdering, ProcessingLock, PendingQueue,
// EmergencyQueue, SafetyFallback, StallDetector, MigrationRunner,
// HealthAggregator and RepairToolkit, in the dependency order each
// component's Open requires.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/guardian-angel/synccore/pkg/config"
	"github.com/guardian-angel/synccore/pkg/emergency"
	"github.com/guardian-angel/synccore/pkg/entitylock"
	"github.com/guardian-angel/synccore/pkg/health"
	"github.com/guardian-angel/synccore/pkg/idempotency"
	"github.com/guardian-angel/synccore/pkg/keystore"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/migration"
	"github.com/guardian-angel/synccore/pkg/opstore"
	"github.com/guardian-angel/synccore/pkg/pendingindex"
	"github.com/guardian-angel/synccore/pkg/proclock"
	"github.com/guardian-angel/synccore/pkg/queue"
	"github.com/guardian-angel/synccore/pkg/repair"
	"github.com/guardian-angel/synccore/pkg/safety"
	"github.com/guardian-angel/synccore/pkg/stall"
	"github.com/guardian-angel/synccore/pkg/storage"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/txjournal"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// journaledBoxes lists every box the transaction journal is allowed to
// touch, i.e. every box mutated through a cross-box atomic transaction.
var journaledBoxes = []string{opstore.OpsBoxName, opstore.FailedBoxName}

// allBoxNames lists every box the key rotation, repair toolkit, and
// encryption-policy enforcer need to know about.
var allBoxNames = []string{
	txjournal.BoxName,
	opstore.OpsBoxName,
	opstore.FailedBoxName,
	pendingindex.BoxName,
	entitylock.BoxName,
	emergency.BoxName,
}

// Core holds every running component and the plumbing to start, stop, and
// report on the whole service.
type Core struct {
	cfg    *config.Config
	logger *zap.Logger
	pid    string

	engine  *storage.Engine
	meta    *metastore.MetaStore
	keys    *keystore.KeyStore
	journal *txjournal.Journal

	idem  *idempotency.Cache
	ops   *opstore.Store
	index *pendingindex.Index
	locks *entitylock.Locks
	plock *proclock.Lock

	queue     *queue.Queue
	emergency *emergency.Queue
	safety    *safety.Machine
	stall     *stall.Detector
	repair    *repair.Toolkit

	ticker *queue.Ticker

	mirror   syncpkg.CloudMirror
	consumer syncpkg.Consumer
}

// Collaborators bundles the externally-supplied, domain-specific pieces
// that Open cannot construct on its own. Migrations are run separately,
// via pkg/migration, against the same engine before Open is called, since
// they must complete before any other box-backed component starts serving
// traffic.
type Collaborators struct {
	Consumer syncpkg.Consumer
	Mirror   syncpkg.CloudMirror    // optional
	Sink     syncpkg.EscalationSink // optional
}

// RunMigrations opens the storage engine and meta store, runs every
// registered migration to completion (§4.14), and closes the engine again.
// Callers run this before Open so schema migrations complete before any
// other box-backed component starts serving traffic.
func RunMigrations(cfg *config.Config, migrations []migration.Migration, logger *zap.Logger) error {
	engine, err := storage.New(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("core: failed to open storage engine for migrations: %w", err)
	}
	defer engine.Close()

	meta, err := metastore.Open(engine)
	if err != nil {
		return fmt.Errorf("core: failed to open meta store for migrations: %w", err)
	}

	runner := migration.New(meta, engine, migrations, logger)
	if err := runner.Run(); err != nil {
		return fmt.Errorf("core: migration run failed: %w", err)
	}
	return nil
}

// Open builds every component in dependency order and returns a running
// Core. pid identifies this process for the processing and emergency
// locks (e.g. hostname:pid).
func Open(ctx context.Context, cfg *config.Config, pid string, collab Collaborators, logger *zap.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core: invalid config: %w", err)
	}

	engine, err := storage.New(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open storage engine: %w", err)
	}

	meta, err := metastore.Open(engine)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open meta store: %w", err)
	}

	backend, err := buildSecretBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("core: failed to build secret backend: %w", err)
	}

	keys, err := keystore.Open(ctx, backend, meta, engine, allBoxNamesRequiringEncryption(), logger)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open key store: %w", err)
	}
	key := keys.ActiveKey()

	journal, err := txjournal.Open(engine, key, journaledBoxes, logger)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open transaction journal: %w", err)
	}
	if err := journal.Replay(); err != nil {
		return nil, fmt.Errorf("core: failed to replay transaction journal: %w", err)
	}

	idem, err := idempotency.Open(engine, cfg.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open idempotency cache: %w", err)
	}

	ops, err := opstore.Open(engine, key)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open op store: %w", err)
	}

	index, err := pendingindex.Open(engine, key)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open pending index: %w", err)
	}
	if _, err := index.IntegrityCheckAndRebuild(ops); err != nil {
		return nil, fmt.Errorf("core: pending index integrity check failed at startup: %w", err)
	}

	locks, err := entitylock.Open(engine, key, cfg.EntityLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open entity lock store: %w", err)
	}

	plock := proclock.New(meta, cfg.LockTimeout)

	safetyMachine, err := safety.Open(meta, collab.Sink, cfg.NetworkUnavailableThreshold, cfg.EmergencyEscalationThreshold, logger)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open safety fallback: %w", err)
	}

	emergencyQueue, err := emergency.Open(engine, key, cfg.BackoffBaseEmergency, cfg.BackoffCapEmergency, collab.Mirror,
		func(op *types.Operation) error { return safetyMachine.RecordEmergencyFailure(op.ID) }, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("core: failed to open emergency queue: %w", err)
	}

	enforcer := storage.NewPolicyEnforcer(logger, cfg.StrictEncryption)
	if err := enforcer.Enforce(boxDescriptors(), engine.EncryptionRegistrySnapshot()); err != nil {
		return nil, fmt.Errorf("core: encryption policy violation: %w", err)
	}

	pendingQueue := queue.Open(pid, cfg.BackoffBaseNormal, cfg.BackoffCapNormal, queue.Deps{
		Ops:       ops,
		Index:     index,
		Idem:      idem,
		Locks:     locks,
		ProcLock:  plock,
		Journal:   journal,
		Emergency: emergencyQueue,
		Mirror:    collab.Mirror,
		Logger:    logger,
	})

	stallDetector := stall.New(stall.Config{
		StallThreshold:      cfg.StallThreshold,
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		RecoveryCooldown:    cfg.RecoveryCooldown,
	}, func() error {
		acquired, _, err := plock.TryAcquire(pid)
		if err != nil {
			return err
		}
		if acquired {
			defer plock.Release(pid)
		}
		return index.Rebuild(ops)
	}, nil, logger)

	repairToolkit := repair.New(engine, index, ops, journal, allBoxNames, nil, logger)

	ticker := queue.NewTicker(pendingQueue, cfg.EmergencyPollInterval, cfg.BatchSize, cfg.BatchSize*2, logger)

	c := &Core{
		cfg:       cfg,
		logger:    logger,
		pid:       pid,
		engine:    engine,
		meta:      meta,
		keys:      keys,
		journal:   journal,
		idem:      idem,
		ops:       ops,
		index:     index,
		locks:     locks,
		plock:     plock,
		queue:     pendingQueue,
		emergency: emergencyQueue,
		safety:    safetyMachine,
		stall:     stallDetector,
		repair:    repairToolkit,
		ticker:    ticker,
		mirror:    collab.Mirror,
		consumer:  collab.Consumer,
	}
	return c, nil
}

func allBoxNamesRequiringEncryption() []string {
	return allBoxNames
}

// boxDescriptors lists every box descriptor Open registers with the
// engine, for PolicyEnforcer.Enforce (§4.13) to check against the
// encryption registry once every box is open.
func boxDescriptors() []types.BoxDescriptor {
	return []types.BoxDescriptor{
		metastore.Descriptor,
		txjournal.Descriptor,
		idempotency.Descriptor,
		opstore.OpsDescriptor,
		opstore.FailedDescriptor,
		pendingindex.Descriptor,
		entitylock.Descriptor,
		emergency.Descriptor,
	}
}

func buildSecretBackend(ctx context.Context, cfg *config.Config) (keystore.SecretBackend, error) {
	local, err := keystore.NewLocalFileBackend(cfg.DataDir + "/secrets")
	if err != nil {
		return nil, err
	}
	if cfg.KeyStoreBackend == "awskms" {
		return keystore.NewAWSKMSBackend(ctx, cfg.AWSKMSKeyID, cfg.AWSRegion, local)
	}
	return local, nil
}

// Enqueue routes op through PendingQueue.enqueue (§4.9), which itself
// forwards emergency-priority ops to the fast lane.
func (c *Core) Enqueue(op *types.Operation) (bool, error) {
	return c.queue.Enqueue(op)
}

// ProcessOnce runs a single PendingQueue dispatch pass.
func (c *Core) ProcessOnce() (int, error) {
	return c.queue.Process(c.cfg.BatchSize, c.consumer)
}

// ProcessEmergencyOnce runs a single EmergencyQueue dispatch pass.
func (c *Core) ProcessEmergencyOnce() (int, error) {
	return c.emergency.ProcessAll(c.consumer)
}

// RunTicker starts the idle-tick dispatcher loop in the background. Stop
// it with StopTicker.
func (c *Core) RunTicker() {
	go c.ticker.Run(c.consumer)
}

// StopTicker stops the background dispatcher loop started by RunTicker.
func (c *Core) StopTicker() {
	c.ticker.Stop()
}

// SampleStall feeds the current oldest-op age into the stall detector,
// typically called once per cfg.StallCheckInterval.
func (c *Core) SampleStall() error {
	ids, err := c.index.GetOldest(1)
	if err != nil {
		return fmt.Errorf("core: failed to sample oldest op: %w", err)
	}
	if len(ids) == 0 {
		c.stall.Sample(stall.Sample{HasOps: false})
		return nil
	}
	op, ok, err := c.ops.Get(ids[0])
	if err != nil {
		return fmt.Errorf("core: failed to load oldest op: %w", err)
	}
	if !ok {
		c.stall.Sample(stall.Sample{HasOps: false})
		return nil
	}
	c.stall.Sample(stall.Sample{HasOps: true, OldestOpAge: time.Now().UTC().Sub(op.CreatedAt)})
	return nil
}

// Health reports the current aggregate health (§7).
func (c *Core) Health() (health.Report, error) {
	pendingCount, err := c.ops.Len()
	if err != nil {
		return health.Report{}, err
	}
	failed, err := c.ops.AllFailed()
	if err != nil {
		return health.Report{}, err
	}

	registry := c.engine.EncryptionRegistrySnapshot()
	encryptionFailed := storage.Violations(boxDescriptors(), registry) > 0

	escalated := 0
	emergencyOps, err := c.emergency.All()
	if err == nil {
		for _, op := range emergencyOps {
			if op.Status == types.StatusEscalated {
				escalated++
			}
		}
	}

	return health.Aggregate(health.Inputs{
		PendingCount:       pendingCount,
		FailedCount:        len(failed),
		QueuePaused:        c.queue.State() == queue.StatePaused,
		QueueBlocked:       c.queue.State() == queue.StateBlocked,
		QueueStalled:       c.stall.Stalled(),
		EncryptionFailed:   encryptionFailed,
		SafetyMode:         c.safety.Mode(),
		EmergencyEscalated: escalated,
	}), nil
}

// RunRepair issues a fresh confirmation token for action and immediately
// runs it, for callers (the CLI) that don't need the two-step
// issue/confirm flow a remote operator console would.
func (c *Core) RunRepair(action repair.Action) error {
	token, err := c.repair.IssueToken(action)
	if err != nil {
		return err
	}
	switch action {
	case repair.ActionRebuildIndex:
		return c.repair.RebuildIndex(token)
	case repair.ActionRetryFailedOps:
		return c.repair.RetryFailedOps(token)
	case repair.ActionVerifyEncryption:
		return c.repair.VerifyEncryption(token)
	case repair.ActionCompactBoxes:
		return c.repair.CompactBoxes(token)
	default:
		return fmt.Errorf("core: unknown repair action: %s", action)
	}
}

// Close releases every open box.
func (c *Core) Close() error {
	return c.engine.Close()
}

// NewProcessID builds a reasonably unique process identifier for the
// processing lock when the caller has no better one (e.g. hostname:pid).
func NewProcessID() string {
	return uuid.NewString()
}
