package util

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a JSON logger on stdout at level
func NewLogger(level zapcore.Level) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(os.Stdout), level)
	return zap.New(core)
}

// NewLoggerWithFile creates a logger that writes to both console and a file
func NewLoggerWithFile(logPath string, level zapcore.Level) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	// same JSON lines on both sinks
	enc := zapcore.NewJSONEncoder(encoderConfig())
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(enc.Clone(), zapcore.AddSync(file), level),
	)
	return zap.New(core), nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}
