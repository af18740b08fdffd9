package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"RailCredit/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger: JSON to stdout, and to a rotating file when
// cfg.File is set.
func New(cfg config.Logging) *slog.Logger {
	var writer io.Writer = os.Stdout

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return slog.New(slog.NewJSONHandler(os.Stderr, nil))
		}
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stdout, fileLogger)
	}

	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
