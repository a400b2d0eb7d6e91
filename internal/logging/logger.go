package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kingrea/neuropipe/internal/cohort"
)

// FileName is the log file written under .neuropipe/logs.
const FileName = "neuropipe.log"

// Options tune logger construction.
type Options struct {
	// Verbose lowers the level to debug so every tool command is logged.
	Verbose bool
	// Console mirrors log lines to stderr. Disabled while the progress view
	// owns the terminal.
	Console bool
}

// New builds a zap logger that appends JSON lines to <logsDir>/neuropipe.log
// so users can inspect failures after long batch runs.
func New(logsDir string, opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	config := zap.NewProductionConfig()
	if opts.Verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.OutputPaths = []string{filepath.Join(logsDir, FileName)}
	if opts.Console {
		config.OutputPaths = append(config.OutputPaths, "stderr")
	}
	config.ErrorOutputPaths = []string{"stderr"}
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// ForPair scopes a logger to one subject/session combination.
func ForPair(logger *zap.Logger, pair cohort.Pair) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("subject", pair.Subject), zap.String("session", pair.Session))
}

// ForStep scopes a logger to a pipeline step.
func ForStep(logger *zap.Logger, stepID string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("step", stepID))
}
