// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File enables rotating log file output in addition to Output.
	// Leave empty to log to Output only.
	File string

	// FileMaxSizeMB is the size in megabytes before the log file is
	// rotated (default: 100).
	FileMaxSizeMB int

	// FileMaxBackups is the number of rotated files to keep (default: 3).
	FileMaxBackups int
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	// Add rotating file output when configured
	if cfg.File != "" {
		maxSize := cfg.FileMaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.FileMaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		}
		output = zerolog.MultiLevelWriter(output, rotator)
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, hash, store, tier)
//   - Conditional request validation (etag, last-modified)
//   - Index id resolution and pointer checks
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Flush and prune sweeps (counts, duration)
//   - Statistics refresh
//
// Warn: Warning conditions that don't prevent operation
//   - Undefined policy predicates
//   - Malformed policy or replace patterns (rule skipped)
//   - Accelerated tier errors (fallback to file tier)
//   - Deferred task failures
//
// Error: Error conditions requiring attention
//   - Failed cache writes
//   - Index store failures after lazy schema creation
//   - Configuration errors (unknown store, malformed hash)
//
// Context Fields:
//   - module / store: cache store identity
//   - hash: 32-hex content hash
//   - cache_hit: boolean indicating cache hit
//   - tier: storage tier (file, memory, redis)
//   - size: entry size in bytes
//   - duration: operation duration
