// Package logging holds the process-wide structured logger shared by the bus
// transports, the exchange roles and the daemon wiring.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var current atomic.Pointer[slog.Logger]

func init() { current.Store(New(FormatText, slog.LevelInfo, nil)) }

// L returns the process logger.
func L() *slog.Logger { return current.Load() }

// Set installs l as the process logger. A nil l is ignored.
func Set(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// New builds a logger emitting records at or above level to w (stderr when
// nil). Any format other than FormatJSON yields text output.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ValidFormat reports whether New knows format by name.
func ValidFormat(format string) bool { return format == FormatText || format == FormatJSON }

var levels = map[string]slog.Level{
	"":      slog.LevelInfo,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLevel maps debug|info|warn|error (any case) to a slog level. Unknown
// names return info together with an error.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
