package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// SlogLogger implements Logger on top of slog.
type SlogLogger struct {
	handler slog.Handler
	inner   *slog.Logger
}

// NewSlogLogger creates a JSON logger writing to w. A nil tz logs timestamps
// in the process's local zone.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) *SlogLogger {
	return newSlogLogger(w, level, tz, false)
}

// NewTextLogger creates a human-readable logger writing to w.
func NewTextLogger(w io.Writer, level LogLevel, tz *time.Location) *SlogLogger {
	return newSlogLogger(w, level, tz, true)
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *SlogLogger {
	return NewSlogLogger(io.Discard, LogLevelError, nil)
}

func newSlogLogger(w io.Writer, level LogLevel, tz *time.Location, text bool) *SlogLogger {
	opts := &slog.HandlerOptions{
		Level: toSlogLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if tz != nil && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().In(tz))
			}
			return a
		},
	}
	var h slog.Handler
	if text {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &SlogLogger{handler: h, inner: slog.New(h)}
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogLogger) log(level slog.Level, msg string, fields []Field) {
	if !l.handler.Enabled(context.Background(), level) {
		return
	}
	l.inner.LogAttrs(context.Background(), level, msg, toAttrs(fields)...)
}

func toAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.log(slog.LevelDebug, msg, fields) }
func (l *SlogLogger) Info(msg string, fields ...Field)  { l.log(slog.LevelInfo, msg, fields) }
func (l *SlogLogger) Warn(msg string, fields ...Field)  { l.log(slog.LevelWarn, msg, fields) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.log(slog.LevelError, msg, fields) }

// With returns a child logger carrying fields.
func (l *SlogLogger) With(fields ...Field) Logger {
	h := l.handler.WithAttrs(toAttrs(fields))
	return &SlogLogger{handler: h, inner: slog.New(h)}
}

// Module returns a child logger tagged with module=name.
func (l *SlogLogger) Module(name string) Logger {
	return l.With(String("module", name))
}
