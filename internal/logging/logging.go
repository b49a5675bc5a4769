// Package logging is a thin leveled wrapper around the standard library
// logger: one process-wide minimum level (config.LogLevel) gating Printf
// calls. The hub and its coordinators share one logger and name their
// component at the start of each message ("hub: ...", "coordinator: ...");
// WithPrefix derives a logger with a line prefix of its own.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
)

// Level orders the four verbosity tiers.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger gates an underlying *log.Logger by minimum level.
type Logger struct {
	min Level
	out *log.Logger
}

// New creates a Logger writing to w with the given prefix and minimum
// level.
func New(w io.Writer, prefix string, min Level) *Logger {
	return &Logger{min: min, out: log.New(w, prefix, log.LstdFlags)}
}

// Discard returns a Logger that drops everything, for tests.
func Discard() *Logger {
	return &Logger{min: LevelError + 1, out: log.New(io.Discard, "", 0)}
}

// WithPrefix returns a Logger sharing this one's sink and level under a
// different component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{min: l.min, out: log.New(l.out.Writer(), prefix, l.out.Flags())}
}

func (l *Logger) logf(lv Level, format string, args ...interface{}) {
	if lv < l.min {
		return
	}
	l.out.Printf(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Fatalf logs regardless of level and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.out.Printf(format, args...)
	os.Exit(1)
}
