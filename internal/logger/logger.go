// Package logger provides the structured JSON logger shared by both processes.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Logger is the logging surface used across the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, err error, args ...any)
	Action(action string) Logger
	With(args ...any) Logger
}

type logger struct {
	log *slog.Logger
}

// New creates a JSON logger writing to stdout, tagged with the service and host name.
func New(service, level string) Logger {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(w io.Writer, service, level string) Logger {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String("timestamp", t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	})

	return &logger{log: slog.New(handler).With("service", service, "hostname", hostname)}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &logger{log: slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *logger) Debug(msg string, args ...any) {
	l.log.Debug(msg, args...)
}

func (l *logger) Info(msg string, args ...any) {
	l.log.Info(msg, args...)
}

func (l *logger) Warn(msg string, args ...any) {
	l.log.Warn(msg, args...)
}

// Error logs msg with the error nested under an "error" group.
func (l *logger) Error(msg string, err error, args ...any) {
	attrs := append(args, slog.Group("error", slog.Any("msg", err)))
	l.log.Error(msg, attrs...)
}

func (l *logger) Action(action string) Logger {
	return &logger{log: l.log.With("action", action)}
}

func (l *logger) With(args ...any) Logger {
	return &logger{log: l.log.With(args...)}
}
