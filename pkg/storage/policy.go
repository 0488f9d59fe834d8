package storage

import (
	"github.com/guardian-angel/synccore/pkg/types"
	"go.uber.org/zap"
)

// PolicyEnforcer validates, at startup, that every opened box's actual
// encryption state matches its declared policy (§4.13).
type PolicyEnforcer struct {
	logger *zap.Logger
	strict bool
}

// NewPolicyEnforcer creates an enforcer. In strict mode a required-box
// violation raises types.EncryptionPolicyViolationError; in soft mode it
// only logs.
func NewPolicyEnforcer(logger *zap.Logger, strict bool) *PolicyEnforcer {
	return &PolicyEnforcer{logger: logger, strict: strict}
}

// Violating reports whether d's declared policy disagrees with whether the
// box was actually opened with encryption. Shared by Enforce (fatal, at
// startup) and any read-only caller (HealthAggregator inputs, the
// verify_encryption repair action) that wants the same check without the
// abort.
func Violating(d types.BoxDescriptor, registry map[string]bool) bool {
	encrypted, opened := registry[d.Name]
	if !opened {
		return false
	}
	return (d.EncryptionPolicy == types.EncryptionRequired && !encrypted) ||
		(d.EncryptionPolicy == types.EncryptionForbidden && encrypted)
}

// Violations counts how many descriptors currently disagree with the
// registry, without aborting — for read-only reporting callers.
func Violations(descriptors []types.BoxDescriptor, registry map[string]bool) int {
	n := 0
	for _, d := range descriptors {
		if Violating(d, registry) {
			n++
		}
	}
	return n
}

// Enforce checks every descriptor against the engine's encryption registry.
func (p *PolicyEnforcer) Enforce(descriptors []types.BoxDescriptor, registry map[string]bool) error {
	for _, d := range descriptors {
		if !Violating(d, registry) {
			continue
		}

		// Required-policy violations are always security-critical, logged at
		// error level even in soft mode; both policies abort startup in
		// strict mode and only record telemetry in soft mode otherwise.
		if p.strict {
			return &types.EncryptionPolicyViolationError{Box: d.Name, Policy: d.EncryptionPolicy}
		}
		if d.EncryptionPolicy == types.EncryptionRequired {
			p.logger.Sugar().Errorw("encryption policy violation (soft mode)",
				"box", d.Name, "policy", d.EncryptionPolicy)
		} else {
			p.logger.Sugar().Warnw("encryption policy violation (soft mode)",
				"box", d.Name, "policy", d.EncryptionPolicy)
		}
	}
	return nil
}
