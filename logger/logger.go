package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

// Modes accepted by New.
const (
	ModeProduction  = "production"
	ModeDevelopment = "development"
)

// NewFromConfig builds the process logger from the logging section. The
// returned level may be changed while the logger is in use.
func NewFromConfig(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	return NewWithLevel(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger for mode at level.
func New(mode, level string) (*zap.Logger, error) {
	l, _, err := NewWithLevel(mode, level)
	return l, err
}

// NewWithLevel is New that also returns the logger's adjustable level.
// Output goes to stderr so the stdio transport keeps stdout for protocol
// frames.
func NewWithLevel(mode, level string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var cfg zap.Config
	switch mode {
	case ModeDevelopment:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case ModeProduction:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid logging mode: %s, must be '%s' or '%s'", mode, ModeProduction, ModeDevelopment)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, cfg.Level, nil
}

// ParseLevel converts a configured level name.
func ParseLevel(level string) (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	return lvl, nil
}

// ForJob returns a child logger carrying the identifying fields of a job.
func ForJob(l *zap.Logger, jobID, language, userID string) *zap.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return l.With(
		zap.String("job.id", jobID),
		zap.String("job.language", language),
		zap.String("job.user", userID),
	)
}
