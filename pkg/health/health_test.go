package health

import (
	"testing"

	"github.com/guardian-angel/synccore/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestAggregateHealthyWhenNothingIsWrong(t *testing.T) {
	r := Aggregate(Inputs{SafetyMode: types.ModeNormal})
	require.Equal(t, SeverityHealthy, r.Severity)
}

func TestAggregateWarnsOnPendingOps(t *testing.T) {
	r := Aggregate(Inputs{PendingCount: 3, SafetyMode: types.ModeNormal})
	require.Equal(t, SeverityWarning, r.Severity)
}

func TestAggregateCriticalOnEncryptionFailure(t *testing.T) {
	r := Aggregate(Inputs{EncryptionFailed: true, SafetyMode: types.ModeNormal})
	require.Equal(t, SeverityCritical, r.Severity)
}

func TestAggregateCriticalOnSchemaFutureBlock(t *testing.T) {
	r := Aggregate(Inputs{SchemaFutureBlocked: true, SafetyMode: types.ModeNormal})
	require.Equal(t, SeverityCritical, r.Severity)
}

func TestAggregateCriticalOnEmergencyWithEscalations(t *testing.T) {
	r := Aggregate(Inputs{SafetyMode: types.ModeEmergency, EmergencyEscalated: 2})
	require.Equal(t, SeverityCritical, r.Severity)
}

func TestAggregateWarnsOnEmergencyWithoutEscalations(t *testing.T) {
	r := Aggregate(Inputs{SafetyMode: types.ModeEmergency})
	require.Equal(t, SeverityWarning, r.Severity)
}

func TestAggregateReportsEachComponent(t *testing.T) {
	r := Aggregate(Inputs{SafetyMode: types.ModeNormal, FailedCount: 1})
	names := make([]string, 0, len(r.Components))
	for _, c := range r.Components {
		names = append(names, c.Component)
	}
	require.Contains(t, names, "failed_ops")
	require.Contains(t, names, "pending_queue")
	require.Contains(t, names, "safety_fallback")
	require.Contains(t, names, "encryption")
	require.Contains(t, names, "migration")
}
