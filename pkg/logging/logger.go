// Package logging constructs the zap logger used throughout synccore,
// matching the call-site shape the persistence and keystore layers expect
// (a *zap.Logger passed down, exercised via Sugar().Infow/Warnw/Errorw).
package logging

import "go.uber.org/zap"

// Config controls logger construction.
type Config struct {
	// Debug enables development mode: human-readable console encoding,
	// debug level, and caller/stack info on warnings.
	Debug bool
}

// New builds a *zap.Logger for the given config. Falls back to a no-op
// logger only if zap's own construction fails, which should not happen
// with the builtin presets.
func New(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop(), err
		}
		return logger, nil
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop(), err
	}
	return logger, nil
}

// NewNop returns a logger that discards everything, for tests that don't
// care about log output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
