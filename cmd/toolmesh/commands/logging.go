package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/toolmesh/internal/config"
)

var (
	logMu   sync.Mutex
	logFile *os.File
)

// configureLogger installs the default slog logger. A configured log file
// gets JSON lines; otherwise text goes to stderr, or nowhere while a
// full-screen view owns the terminal. Debug level adds source positions.
func configureLogger(cfg *config.Config, overrideLevel string, tuiMode bool) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	logMu.Lock()
	defer logMu.Unlock()

	path := strings.TrimSpace(cfg.Log.File)
	if path == "" {
		closeLogFile()
		var w io.Writer = os.Stderr
		if tuiMode {
			w = io.Discard
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
		return nil
	}

	f, err := openLogFile(path)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, opts)).With("pid", os.Getpid()))
	return nil
}

// openLogFile reuses the open handle when the path has not changed.
func openLogFile(path string) (*os.File, error) {
	if logFile != nil && logFile.Name() == path {
		return logFile, nil
	}
	closeLogFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logFile = f
	return f, nil
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// parseLogLevel prefers override over the configured level.
func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(override)
	if level == "" {
		level = strings.TrimSpace(configLevel)
	}
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", level)
}
