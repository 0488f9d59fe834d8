// Package safety implements SafetyFallback (§4.11): the mode state
// machine driven by network availability and emergency-op outcomes, with
// its state persisted in MetaStore so it survives a restart.
package safety

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guardian-angel/synccore/pkg/metastore"
	syncpkg "github.com/guardian-angel/synccore/pkg/sync"
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

const maxHistory = 100

// Machine is the SafetyFallback state machine.
type Machine struct {
	meta   *metastore.MetaStore
	sink   syncpkg.EscalationSink
	logger *zap.Logger

	networkUnavailableThreshold  time.Duration
	emergencyEscalationThreshold int

	state types.SafetyFallbackState
}

// Open loads persisted state (defaulting to normal mode on first run).
func Open(meta *metastore.MetaStore, sink syncpkg.EscalationSink, networkUnavailableThreshold time.Duration, emergencyEscalationThreshold int, logger *zap.Logger) (*Machine, error) {
	m := &Machine{
		meta:                         meta,
		sink:                         sink,
		logger:                       logger,
		networkUnavailableThreshold:  networkUnavailableThreshold,
		emergencyEscalationThreshold: emergencyEscalationThreshold,
	}

	var state types.SafetyFallbackState
	ok, err := meta.GetJSON(types.MetaKeySafetyFallbackState, &state)
	if err != nil {
		return nil, fmt.Errorf("safety fallback: failed to load state: %w", err)
	}
	if !ok {
		state = types.SafetyFallbackState{CurrentMode: types.ModeNormal}
	}
	m.state = state
	return m, nil
}

// Mode returns the current safety mode.
func (m *Machine) Mode() types.SafetyMode {
	return m.state.CurrentMode
}

func (m *Machine) persist() error {
	return m.meta.SetJSON(types.MetaKeySafetyFallbackState, &m.state)
}

func (m *Machine) recordEscalation(kind, reason, opID string) {
	esc := types.Escalation{
		ID:        uuid.NewString(),
		Type:      kind,
		OpID:      opID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	m.state.History = append(m.state.History, esc)
	if len(m.state.History) > maxHistory {
		m.state.History = m.state.History[len(m.state.History)-maxHistory:]
	}
}

func (m *Machine) transitionTo(mode types.SafetyMode, reason, opID string) error {
	if mode == m.state.CurrentMode {
		return nil
	}
	from := m.state.CurrentMode
	m.state.CurrentMode = mode

	if mode == types.ModeEmergency || mode == types.ModeOfflineSafety {
		m.recordEscalation(string(mode), reason, opID)
		syncpkg.SafeLocalAlert(m.sink, mode, reason, m.state, m.logger)
	}

	m.logger.Sugar().Warnw("safety fallback transition", "from", from, "to", mode, "reason", reason)
	return m.persist()
}

// RecordNetworkAvailable handles the network_available event: clears the
// outage timer and, from limited_connectivity or offline_safety, returns
// to normal.
func (m *Machine) RecordNetworkAvailable() error {
	m.state.NetworkUnavailableSince = nil
	switch m.state.CurrentMode {
	case types.ModeLimitedConnectivity, types.ModeOfflineSafety:
		return m.transitionTo(types.ModeNormal, "network restored", "")
	default:
		return m.persist()
	}
}

// RecordNetworkUnavailable handles the network_unavailable event. now is
// injected so tests can simulate an outage crossing the threshold without
// sleeping.
func (m *Machine) RecordNetworkUnavailable(now time.Time) error {
	if m.state.NetworkUnavailableSince == nil {
		t := now
		m.state.NetworkUnavailableSince = &t
		return m.persist()
	}

	if now.Sub(*m.state.NetworkUnavailableSince) < m.networkUnavailableThreshold {
		return nil
	}

	switch m.state.CurrentMode {
	case types.ModeNormal:
		return m.transitionTo(types.ModeLimitedConnectivity, "network unavailable beyond threshold", "")
	case types.ModeLimitedConnectivity:
		return m.transitionTo(types.ModeOfflineSafety, "network still unavailable beyond threshold", "")
	default:
		return nil
	}
}

// RecordEmergencyFailure handles an emergency op failure. Once the
// failure count reaches emergencyEscalationThreshold, the machine enters
// emergency mode from any state but emergency itself.
func (m *Machine) RecordEmergencyFailure(opID string) error {
	if m.state.CurrentMode == types.ModeEmergency {
		return nil
	}
	m.state.EmergencyFailureCount++
	if m.state.EmergencyFailureCount < m.emergencyEscalationThreshold {
		return m.persist()
	}
	return m.transitionTo(types.ModeEmergency, "emergency failure threshold reached", opID)
}

// RecordEmergencySuccess handles emergency_success: returns to normal from
// emergency and resets the failure counter.
func (m *Machine) RecordEmergencySuccess() error {
	m.state.EmergencyFailureCount = 0
	if m.state.CurrentMode != types.ModeEmergency {
		return m.persist()
	}
	return m.transitionTo(types.ModeNormal, "emergency op succeeded", "")
}

// Acknowledge is the manual reset: unconditionally returns to normal.
func (m *Machine) Acknowledge() error {
	m.state.EmergencyFailureCount = 0
	m.state.NetworkUnavailableSince = nil
	if err := m.transitionTo(types.ModeNormal, "manually acknowledged", ""); err != nil {
		return err
	}
	return m.persist()
}

// History returns the bounded escalation history.
func (m *Machine) History() []types.Escalation {
	return m.state.History
}
