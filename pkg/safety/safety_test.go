package safety

import (
	"testing"
	"time"

	"github.com/guardian-angel/synccore/pkg/logging"
	"github.com/guardian-angel/synccore/pkg/metastore"
	"github.com/guardian-angel/synccore/pkg/storage"
	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	alerts []types.SafetyMode
}

func (r *recordingSink) OnEscalation(op *types.Operation, reason string) {}
func (r *recordingSink) OnLocalAlert(mode types.SafetyMode, message string, record interface{}) {
	r.alerts = append(r.alerts, mode)
}

func newTestMachine(t *testing.T, sink *recordingSink, threshold int) *Machine {
	t.Helper()
	engine, err := storage.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	meta, err := metastore.Open(engine)
	require.NoError(t, err)

	m, err := Open(meta, sink, 5*time.Minute, threshold, logging.NewNop())
	require.NoError(t, err)
	return m
}

func TestStartsInNormalMode(t *testing.T) {
	m := newTestMachine(t, &recordingSink{}, 3)
	require.Equal(t, types.ModeNormal, m.Mode())
}

func TestNetworkUnavailableEscalatesAfterThreshold(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(t, sink, 3)

	base := time.Now().UTC()
	require.NoError(t, m.RecordNetworkUnavailable(base))
	require.Equal(t, types.ModeNormal, m.Mode(), "first sample only starts the timer")

	require.NoError(t, m.RecordNetworkUnavailable(base.Add(10*time.Minute)))
	require.Equal(t, types.ModeLimitedConnectivity, m.Mode())

	require.NoError(t, m.RecordNetworkUnavailable(base.Add(20*time.Minute)))
	require.Equal(t, types.ModeOfflineSafety, m.Mode())
	require.Contains(t, sink.alerts, types.ModeOfflineSafety)
}

func TestNetworkAvailableReturnsToNormal(t *testing.T) {
	m := newTestMachine(t, &recordingSink{}, 3)
	base := time.Now().UTC()
	require.NoError(t, m.RecordNetworkUnavailable(base))
	require.NoError(t, m.RecordNetworkUnavailable(base.Add(10*time.Minute)))
	require.Equal(t, types.ModeLimitedConnectivity, m.Mode())

	require.NoError(t, m.RecordNetworkAvailable())
	require.Equal(t, types.ModeNormal, m.Mode())
}

func TestEmergencyFailureThresholdEntersEmergency(t *testing.T) {
	sink := &recordingSink{}
	m := newTestMachine(t, sink, 3)

	require.NoError(t, m.RecordEmergencyFailure("op-1"))
	require.Equal(t, types.ModeNormal, m.Mode())
	require.NoError(t, m.RecordEmergencyFailure("op-2"))
	require.Equal(t, types.ModeNormal, m.Mode())
	require.NoError(t, m.RecordEmergencyFailure("op-3"))
	require.Equal(t, types.ModeEmergency, m.Mode())
	require.Contains(t, sink.alerts, types.ModeEmergency)
}

func TestEmergencySuccessReturnsToNormal(t *testing.T) {
	m := newTestMachine(t, &recordingSink{}, 1)
	require.NoError(t, m.RecordEmergencyFailure("op-1"))
	require.Equal(t, types.ModeEmergency, m.Mode())

	require.NoError(t, m.RecordEmergencySuccess())
	require.Equal(t, types.ModeNormal, m.Mode())
}

func TestAcknowledgeAlwaysResetsToNormal(t *testing.T) {
	m := newTestMachine(t, &recordingSink{}, 1)
	require.NoError(t, m.RecordEmergencyFailure("op-1"))
	require.Equal(t, types.ModeEmergency, m.Mode())

	require.NoError(t, m.Acknowledge())
	require.Equal(t, types.ModeNormal, m.Mode())
}

func TestHistoryIsBoundedAt100(t *testing.T) {
	m := newTestMachine(t, &recordingSink{}, 1)
	for i := 0; i < 150; i++ {
		require.NoError(t, m.RecordEmergencyFailure("op"))
		require.NoError(t, m.RecordEmergencySuccess())
	}
	require.LessOrEqual(t, len(m.History()), 100)
}
