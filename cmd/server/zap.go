package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapLoggerFor builds the dedicated zap logger for the
// PersistenceWorker (see SPEC_FULL.md's DOMAIN STACK): JSON-encoded
// records written to <data-dir>/persistence.log as well as stderr, kept
// separate from the ambient slog logger since this is the kernel's one
// allocation-sensitive hot background path.
func zapLoggerFor(dataDir string) (*zap.Logger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(dataDir, "persistence.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), zap.InfoLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(os.Stderr), zap.WarnLevel),
	)

	return zap.New(core, zap.AddCaller()).Named("persistence"), nil
}
