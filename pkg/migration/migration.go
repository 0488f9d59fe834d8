// Package migration implements MigrationRunner (§4.14): versioned,
// ordered schema migrations with dry-run, backup, verify and rollback,
// and a downgrade-blocking guard against running against a future schema
// version.
package migration

import (
	"fmt"
	"sort"
	"time"

	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

// DryRunReport is what Migration.DryRun must produce before Apply runs.
type DryRunReport struct {
	CanMigrate       bool
	RecordsToMigrate int
	Warnings         []string
	Errors           []string
}

// Migration is one registered schema step.
type Migration struct {
	ID            string
	From          int
	To            int
	AffectedBoxes []string

	DryRun       func(engine *storage.Engine) (DryRunReport, error)
	Apply        func(engine *storage.Engine) error
	VerifySchema func(engine *storage.Engine) error
	Rollback     func(engine *storage.Engine) error // optional
}

// Runner applies registered migrations in order, tracking the schema
// version and per-migration ack records in MetaStore.
type Runner struct {
	meta       *metastore.MetaStore
	engine     *storage.Engine
	migrations []Migration
	logger     *zap.Logger

	skipBackup bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithSkipBackup disables StorageEngine.BackupAll calls, for tests that
// don't want to pay disk I/O for a backup they'll never inspect.
func WithSkipBackup() Option {
	return func(r *Runner) { r.skipBackup = true }
}

// New builds a Runner. migrations need not be pre-sorted; New sorts them
// by From ascending.
func New(meta *metastore.MetaStore, engine *storage.Engine, migrations []Migration, logger *zap.Logger, opts ...Option) *Runner {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	r := &Runner{meta: meta, engine: engine, migrations: sorted, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) currentAppSchemaVersion() int {
	highest := 0
	for _, m := range r.migrations {
		if m.To > highest {
			highest = m.To
		}
	}
	return highest
}

// Run executes the full migration procedure (§4.14) against the stored
// schema version, refusing to proceed if the store is from a newer app
// version than this binary understands.
func (r *Runner) Run() error {
	stored, err := r.meta.SchemaVersion()
	if err != nil {
		return fmt.Errorf("migration runner: failed to read schema version: %w", err)
	}

	current := r.currentAppSchemaVersion()
	if stored > current {
		return &types.MigrationPolicyViolationError{Stored: stored, Current: current}
	}

	for _, m := range r.migrations {
		if m.From < stored {
			continue
		}
		if err := r.runOne(m); err != nil {
			return fmt.Errorf("migration %s (%d -> %d): %w", m.ID, m.From, m.To, err)
		}
		stored = m.To
	}

	return nil
}

func (r *Runner) ackKey(id string) string { return types.MetaKeyMigrationAck(id) }

func (r *Runner) alreadyApplied(id string) (bool, error) {
	val, err := r.meta.GetString(r.ackKey(id))
	if err != nil {
		return false, err
	}
	return val != "", nil
}

func (r *Runner) runOne(m Migration) error {
	applied, err := r.alreadyApplied(m.ID)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if !r.skipBackup {
		if err := r.engine.BackupAll(m.ID); err != nil {
			return fmt.Errorf("backup before migration: %w", err)
		}
	}

	if m.DryRun != nil {
		report, err := m.DryRun(r.engine)
		if err != nil {
			return fmt.Errorf("dry run: %w", err)
		}
		if !report.CanMigrate {
			return fmt.Errorf("dry run reports migration cannot proceed: %v", report.Errors)
		}
		for _, w := range report.Warnings {
			r.logger.Sugar().Warnw("migration dry run warning", "migration", m.ID, "warning", w)
		}
	}

	if m.Apply != nil {
		if err := m.Apply(r.engine); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
	}

	if m.VerifySchema != nil {
		if verifyErr := m.VerifySchema(r.engine); verifyErr != nil {
			r.logger.Sugar().Errorw("migration verification failed, attempting rollback", "migration", m.ID, "error", verifyErr)
			if m.Rollback == nil {
				return fmt.Errorf("verification failed and no rollback registered: %w", verifyErr)
			}
			if rbErr := m.Rollback(r.engine); rbErr != nil {
				return fmt.Errorf("verification failed (%v) and rollback also failed, backups retained: %w", verifyErr, rbErr)
			}
			return fmt.Errorf("verification failed, rolled back successfully: %w", verifyErr)
		}
	}

	if err := r.meta.SetSchemaVersion(m.To); err != nil {
		return fmt.Errorf("failed to persist schema version %d: %w", m.To, err)
	}
	if err := r.meta.SetString(r.ackKey(m.ID), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write migration ack for %s: %w", m.ID, err)
	}
	return nil
}
