package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production JSON logger named after the binary. level is
// one of debug, info, warn or error; anything else means info.
func NewLogger(name, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}

// WithOperation enriches the logger with the operation name and job id.
func WithOperation(logger *zap.Logger, operation, jobID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	return logger.With(fields...)
}
