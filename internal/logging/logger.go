package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a JSON slog logger writing to stdout at the provided level. If
// the level string is invalid it defaults to info. Every record carries the
// app and env attributes.
func New(level, app, env string) *slog.Logger {
	return NewWithWriter(os.Stdout, level).With(slog.String("app", app), slog.String("env", env))
}

// NewWithWriter creates a JSON slog logger writing to w.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
