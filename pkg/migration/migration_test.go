package migration

import (
	"errors"
	"testing"

	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

var errVerifyFailed = errors.New("schema verification failed")

func newTestRunner(t *testing.T, migrations []Migration) (*Runner, *metastore.MetaStore) {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	meta, err := metastore.Open(engine)
	require.NoError(t, err)

	r := New(meta, engine, migrations, logging.NewNop(), WithSkipBackup())
	return r, meta
}

func TestRunAppliesMigrationsInOrderAndRecordsVersion(t *testing.T) {
	var applied []string
	migrations := []Migration{
		{
			ID: "m2", From: 1, To: 2,
			Apply: func(e *storage.Engine) error { applied = append(applied, "m2"); return nil },
		},
		{
			ID: "m1", From: 0, To: 1,
			Apply: func(e *storage.Engine) error { applied = append(applied, "m1"); return nil },
		},
	}
	r, meta := newTestRunner(t, migrations)

	require.NoError(t, r.Run())
	require.Equal(t, []string{"m1", "m2"}, applied)

	version, err := meta.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 2, version)
}

func TestRunIsANoOpWhenAlreadyApplied(t *testing.T) {
	calls := 0
	migrations := []Migration{
		{ID: "m1", From: 0, To: 1, Apply: func(e *storage.Engine) error { calls++; return nil }},
	}
	r, _ := newTestRunner(t, migrations)

	require.NoError(t, r.Run())
	require.NoError(t, r.Run())
	require.Equal(t, 1, calls)
}

func TestRunRefusesDowngrade(t *testing.T) {
	migrations := []Migration{
		{ID: "m1", From: 0, To: 1},
	}
	r, meta := newTestRunner(t, migrations)
	require.NoError(t, meta.SetSchemaVersion(5))

	err := r.Run()
	require.Error(t, err)
	var violation *types.MigrationPolicyViolationError
	require.ErrorAs(t, err, &violation)
	require.Equal(t, 5, violation.Stored)
	require.Equal(t, 1, violation.Current)
}

func TestRunAbortsOnFailingDryRun(t *testing.T) {
	applied := false
	migrations := []Migration{
		{
			ID:   "m1",
			From: 0, To: 1,
			DryRun: func(e *storage.Engine) (DryRunReport, error) {
				return DryRunReport{CanMigrate: false, Errors: []string{"not safe"}}, nil
			},
			Apply: func(e *storage.Engine) error { applied = true; return nil },
		},
	}
	r, meta := newTestRunner(t, migrations)

	require.Error(t, r.Run())
	require.False(t, applied)

	version, err := meta.SchemaVersion()
	require.NoError(t, err)
	require.Equal(t, 0, version)
}

func TestRunRollsBackOnVerificationFailure(t *testing.T) {
	rolledBack := false
	migrations := []Migration{
		{
			ID:   "m1",
			From: 0, To: 1,
			Apply:        func(e *storage.Engine) error { return nil },
			VerifySchema: func(e *storage.Engine) error { return errVerifyFailed },
			Rollback:     func(e *storage.Engine) error { rolledBack = true; return nil },
		},
	}
	r, meta := newTestRunner(t, migrations)

	err := r.Run()
	require.Error(t, err)
	require.True(t, rolledBack)

	version, err2 := meta.SchemaVersion()
	require.NoError(t, err2)
	require.Equal(t, 0, version, "schema version must not advance when verification failed")
}
