// Package applog wires up log/slog writing to a file (never stderr, which
// would corrupt any terminal UI layered on top), gated by LOG_LEVEL.
// Grounded on the openLogFile + slog.NewTextHandler setup in
// cmd/sidecar/main.go.
package applog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is the fallback log file location (§6 LOG_FILE default).
const DefaultPath = "~/.agentboard/agentboard.log"

// ParseLevel maps the §6 LOG_LEVEL values onto slog levels, defaulting to
// info for an empty or unrecognised value.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Setup opens (creating parent directories as needed) the log file at path
// and installs a text-handler slog.Logger as the process default. If the
// file cannot be opened, logging falls back to io.Discard rather than
// stderr, matching the teacher's "never leak through the UI" posture.
// The returned close func must be called on shutdown.
func Setup(path, level string) (logger *slog.Logger, closeFn func(), err error) {
	if path == "" {
		path = DefaultPath
	}
	path = expandHome(path)

	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return nil, func() {}, fmt.Errorf("applog: create log dir: %w", mkErr)
		}
	}

	f, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	var writer io.Writer = io.Discard
	closeFn = func() {}
	if openErr == nil {
		writer = f
		closeFn = func() { _ = f.Close() }
	}

	logger = slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
