package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig enables rotated file output next to stdout.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
	level              = zerolog.InfoLevel
)

// SetLevel changes the level of loggers created afterwards. VAULT_LOG_LEVEL
// still wins when set.
func SetLevel(s string) {
	outputMu.Lock()
	defer outputMu.Unlock()
	level = parseLogLevel(s)
}

// ConfigureOutput mirrors every logger created afterwards into a rotated
// file. An empty path resets output to stdout only. The returned closer
// flushes the file.
func ConfigureOutput(cfg LogFileConfig) io.Closer {
	outputMu.Lock()
	defer outputMu.Unlock()
	if cfg.Path == "" {
		output = os.Stdout
		return io.NopCloser(nil)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	output = io.MultiWriter(os.Stdout, file)
	return file
}

func currentOutput() io.Writer {
	outputMu.RLock()
	defer outputMu.RUnlock()
	return output
}

// NewLogger creates a structured JSON logger for one component.
// Production default: info. Set via VAULT_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	if env := os.Getenv("VAULT_LOG_LEVEL"); env != "" {
		return NewLoggerWithLevel(component, parseLogLevel(env))
	}
	outputMu.RLock()
	lvl := level
	outputMu.RUnlock()
	return NewLoggerWithLevel(component, lvl)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(currentOutput()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
