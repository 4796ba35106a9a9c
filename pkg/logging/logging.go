// Package logging builds the zap logger shared by the sync daemon and the
// analytics CLI.
package logging

import (
	"github.com/canopy-network/permanode/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New reads LOG_LEVEL (default debug) and LOG_ENCODING (default json). Every
// entry carries the service name so both binaries can share a sink.
func New(service string) (*zap.Logger, error) {
	return Config(service, utils.Env("LOG_LEVEL", "debug"), utils.Env("LOG_ENCODING", "json")).Build()
}

// Config returns the logger configuration. Unknown levels fall back to info.
func Config(service, level, encoding string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// stack traces on warnings while debugging
	cfg.Development = lvl == zapcore.DebugLevel

	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
