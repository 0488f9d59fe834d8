// Package config holds the enumerated configuration from spec §6.5.
// Defaults load from environment variables via caarlos0/env; cmd/synccore-agent
// layers CLI flags on top to override them.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of tunables the core reads at startup.
type Config struct {
	DataDir string `env:"SYNCCORE_DATA_DIR" envDefault:"./data"`

	MaxAttemptsNormal    int `env:"SYNCCORE_MAX_ATTEMPTS_NORMAL" envDefault:"7"`
	MaxAttemptsEmergency int `env:"SYNCCORE_MAX_ATTEMPTS_EMERGENCY" envDefault:"5"`

	BackoffBaseNormal    time.Duration `env:"SYNCCORE_BACKOFF_BASE_NORMAL" envDefault:"2s"`
	BackoffCapNormal     time.Duration `env:"SYNCCORE_BACKOFF_CAP_NORMAL" envDefault:"10m"`
	BackoffBaseEmergency time.Duration `env:"SYNCCORE_BACKOFF_BASE_EMERGENCY" envDefault:"1s"`
	BackoffCapEmergency  time.Duration `env:"SYNCCORE_BACKOFF_CAP_EMERGENCY" envDefault:"15s"`

	StallThreshold      time.Duration `env:"SYNCCORE_STALL_THRESHOLD" envDefault:"10m"`
	StallCheckInterval  time.Duration `env:"SYNCCORE_STALL_CHECK_INTERVAL" envDefault:"1m"`
	MaxRecoveryAttempts int           `env:"SYNCCORE_MAX_RECOVERY_ATTEMPTS" envDefault:"3"`
	RecoveryCooldown    time.Duration `env:"SYNCCORE_RECOVERY_COOLDOWN" envDefault:"2m"`

	LockTimeout       time.Duration `env:"SYNCCORE_LOCK_TIMEOUT" envDefault:"5m"`
	EntityLockTimeout time.Duration `env:"SYNCCORE_ENTITY_LOCK_TIMEOUT" envDefault:"5m"`

	IdempotencyTTL time.Duration `env:"SYNCCORE_IDEMPOTENCY_TTL" envDefault:"24h"`

	BatchSize int `env:"SYNCCORE_BATCH_SIZE" envDefault:"10"`

	NetworkUnavailableThreshold  time.Duration `env:"SYNCCORE_NETWORK_UNAVAILABLE_THRESHOLD" envDefault:"5m"`
	EmergencyEscalationThreshold int           `env:"SYNCCORE_EMERGENCY_ESCALATION_THRESHOLD" envDefault:"3"`

	EmergencyPollInterval time.Duration `env:"SYNCCORE_EMERGENCY_POLL_INTERVAL" envDefault:"2s"`

	StrictEncryption bool `env:"SYNCCORE_STRICT_ENCRYPTION" envDefault:"true"`

	AppSchemaVersion int `env:"SYNCCORE_APP_SCHEMA_VERSION" envDefault:"1"`

	// KeyStoreBackend selects the secret-store custody backend: "localfile"
	// or "awskms".
	KeyStoreBackend string `env:"SYNCCORE_KEYSTORE_BACKEND" envDefault:"localfile"`
	AWSKMSKeyID     string `env:"SYNCCORE_AWS_KMS_KEY_ID" envDefault:""`
	AWSRegion       string `env:"SYNCCORE_AWS_REGION" envDefault:""`

	Debug bool `env:"SYNCCORE_DEBUG" envDefault:"false"`
}

// Load reads configuration from the environment, applying the documented
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return cfg, nil
}

// Validate checks internal consistency of the loaded configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.MaxAttemptsNormal < 1 || c.MaxAttemptsEmergency < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1")
	}
	switch c.KeyStoreBackend {
	case "localfile", "awskms":
	default:
		return fmt.Errorf("unknown keystore backend: %s", c.KeyStoreBackend)
	}
	return nil
}
