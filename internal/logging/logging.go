package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Options controls handler construction. Zero value gives info-level text
// output on stderr.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New builds the process root logger.
func New(opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler
	if strings.ToLower(opts.Format) == "json" {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	} else {
		h = slog.NewTextHandler(os.Stderr, hopts)
	}
	return slog.New(h)
}

// ForAgent returns a child logger tagged with the agent name.
func ForAgent(root *slog.Logger, name string) *slog.Logger {
	return root.With("agent", name)
}
