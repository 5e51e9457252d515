// Package logging holds the slog plumbing shared by the pincard packages.
package logging

import (
	"io"
	"log/slog"
)

// Discard is the logger library packages fall back to when the caller does
// not supply one.
var Discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// OrDiscard returns l, or Discard when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard
	}
	return l
}

// New builds a logger writing to w. json selects the JSON handler.
func New(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps the config spelling of a level to slog.Level. Unknown
// values report false.
func ParseLevel(s string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}
