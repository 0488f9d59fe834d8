// Package health implements the HealthAggregator (§7): a read-only roll-up
// of every component's status into one severity, the signal an operator or
// liveness probe actually wants.
package health

import "github.com/guardian-angel/synccore/pkg/types"

// Severity is the aggregate health level.
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ComponentStatus is one named component's contribution to the report.
type ComponentStatus struct {
	Component string
	Severity  Severity
	Detail    string
}

// Report is the full aggregated health snapshot.
type Report struct {
	Severity   Severity
	Components []ComponentStatus
}

func worse(a, b Severity) Severity {
	rank := map[Severity]int{SeverityHealthy: 0, SeverityWarning: 1, SeverityCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Inputs bundles the raw signals Aggregate reads from each component,
// gathered by the caller (pkg/core) since HealthAggregator itself holds no
// component references - it only classifies.
type Inputs struct {
	PendingCount        int
	FailedCount         int
	QueuePaused         bool
	QueueBlocked        bool
	QueueStalled        bool
	EncryptionFailed    bool
	SchemaFutureBlocked bool
	SafetyMode          types.SafetyMode
	EmergencyEscalated  int
}

// Aggregate classifies Inputs into a Report (§7 "User-visible behavior").
func Aggregate(in Inputs) Report {
	components := make([]ComponentStatus, 0, 6)
	overall := SeverityHealthy

	add := func(name string, sev Severity, detail string) {
		components = append(components, ComponentStatus{Component: name, Severity: sev, Detail: detail})
		overall = worse(overall, sev)
	}

	if in.EncryptionFailed {
		add("encryption", SeverityCritical, "a required box is open without encryption")
	} else {
		add("encryption", SeverityHealthy, "")
	}

	if in.SchemaFutureBlocked {
		add("migration", SeverityCritical, "stored schema version is newer than this app understands")
	} else {
		add("migration", SeverityHealthy, "")
	}

	switch {
	case in.SafetyMode == types.ModeEmergency && in.EmergencyEscalated > 0:
		add("safety_fallback", SeverityCritical, "emergency mode with escalated operations")
	case in.SafetyMode == types.ModeEmergency || in.SafetyMode == types.ModeOfflineSafety:
		add("safety_fallback", SeverityWarning, "operating in "+string(in.SafetyMode))
	case in.SafetyMode == types.ModeLimitedConnectivity:
		add("safety_fallback", SeverityWarning, "limited connectivity")
	default:
		add("safety_fallback", SeverityHealthy, "")
	}

	switch {
	case in.QueueStalled:
		add("pending_queue", SeverityWarning, "queue stalled")
	case in.QueuePaused:
		add("pending_queue", SeverityWarning, "queue paused, likely on an auth failure")
	case in.QueueBlocked:
		add("pending_queue", SeverityWarning, "processing lock held elsewhere")
	case in.PendingCount > 0:
		add("pending_queue", SeverityWarning, "operations pending")
	default:
		add("pending_queue", SeverityHealthy, "")
	}

	if in.FailedCount > 0 {
		add("failed_ops", SeverityWarning, "operations moved to the failed store")
	} else {
		add("failed_ops", SeverityHealthy, "")
	}

	return Report{Severity: overall, Components: components}
}
