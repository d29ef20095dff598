// Package logger provides structured logging utilities.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New creates a logger at the given level. Format is "json" (default) or
// "console". Unknown levels fall back to info.
func New(level, format string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "ts"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeDuration = zapcore.MillisDurationEncoder

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	switch format {
	case "", "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger scoped to a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// ForRequest creates a child logger carrying chat request correlation fields.
// Empty values are omitted.
func (l *Logger) ForRequest(requestID, userID, conversationID string) *Logger {
	fields := make([]zap.Field, 0, 3)
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if conversationID != "" {
		fields = append(fields, zap.String("conversation_id", conversationID))
	}
	return l.With(fields...)
}

// SetGlobal installs l as zap's global logger and routes the standard
// library's log package through it. The returned func restores both.
func SetGlobal(l *Logger) func() {
	undoGlobals := zap.ReplaceGlobals(l.Logger)
	undoStdLog := zap.RedirectStdLog(l.Logger)
	return func() {
		undoStdLog()
		undoGlobals()
	}
}
