// Package logger provides the component-tagged logging used across waclaw.
//
// Call sites pass a short component name ("bridge", "whatsapp", "store") so
// log lines can be filtered per subsystem. The *CF variants attach structured
// fields.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(newLogger(slog.LevelInfo))
}

func newLogger(level slog.Level) *slog.Logger {
	w := os.Stderr
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(w.Fd()),
	}))
}

// SetLevel reconfigures the global logger. Unknown names fall back to info.
func SetLevel(name string) {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	current.Store(newLogger(level))
}

func log(level slog.Level, component, msg string, fields map[string]any) {
	args := make([]any, 0, 2+2*len(fields))
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	current.Load().Log(context.Background(), level, msg, args...)
}

func DebugC(component, msg string) { log(slog.LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { log(slog.LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { log(slog.LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { log(slog.LevelError, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]any) {
	log(slog.LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]any) {
	log(slog.LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]any) {
	log(slog.LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]any) {
	log(slog.LevelError, component, msg, fields)
}
