// Package logging builds the zap.Logger every component in this module is
// constructed with, following cmd/server/main.go's buildLogger.
package logging

import "go.uber.org/zap"

// New builds a zap.Logger for the given level (debug, info, warn, error).
// Debug uses zap's development config (human-readable console output);
// everything else uses the production JSON config.
func New(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
