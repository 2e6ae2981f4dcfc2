package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// FilePath is the log file. Empty uses DefaultLogPath().
	FilePath string `yaml:"file"`
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxFiles is the number of rotated files kept.
	MaxFiles int `yaml:"max_files"`
	// Stderr mirrors records to stderr.
	Stderr bool `yaml:"stderr"`
}

// DefaultConfig returns file logging at info level with stderr mirroring.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		FilePath:  DefaultLogPath(),
		MaxSizeMB: 10,
		MaxFiles:  5,
		Stderr:    true,
	}
}

// Setup builds a JSON logger for cfg. The returned cleanup flushes and
// closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	def := DefaultConfig()
	if cfg.FilePath == "" {
		cfg.FilePath = def.FilePath
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}

	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.Stderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}))

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return logger, cleanup, nil
}

// Install calls Setup and makes the logger the slog default.
func Install(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// InstallServerMode installs file-only logging. MCP uses stdout exclusively
// for JSON-RPC, so nothing may be written to stdout or stderr.
func InstallServerMode(cfg Config) (func(), error) {
	cfg.Stderr = false
	cleanup, err := Install(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("server_logging_initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))
	return cleanup, nil
}

// ParseLevel converts a level name to slog.Level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
