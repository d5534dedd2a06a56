package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ReleaseMode selects the production encoder; any other mode logs in development format.
const ReleaseMode = "release"

// NewLogger builds a structured logger for the given server mode.
func NewLogger(mode string) (*zap.Logger, error) {
	var cfg zap.Config
	if mode == ReleaseMode {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}
