package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"

	"github.com/g960059/agtpilot/internal/config"
)

// NewLogger builds the process logger: a slog handler of the configured
// format and level, exposed through logr so components stay handler-agnostic.
func NewLogger(cfg config.LogConfig, output io.Writer) logr.Logger {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return logr.FromSlogHandler(handler)
}

// logr V-levels map onto slog levels as V(n) == slog.Level(-n), so debug
// output is written with V(1) (slog.LevelDebug is -4, which admits V(1)..V(4)).
func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
