package common

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// Output defaults to stderr.
	Output io.Writer
}

func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(out, handlerOpts))
	} else {
		log = slog.New(slog.NewTextHandler(out, handlerOpts))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}

// Logger is a slog.Logger that knows whether personally identifiable
// information (identifiers, endpoint payloads, exception details) may be logged.
type Logger struct {
	*slog.Logger
	piiEnabled bool
}

// NewLogger wraps log. A nil log discards everything.
func NewLogger(log *slog.Logger, piiEnabled bool) *Logger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{Logger: log, piiEnabled: piiEnabled}
}

// DiscardLogger returns a Logger that writes nothing.
func DiscardLogger() *Logger {
	return NewLogger(nil, false)
}

func (l *Logger) PiiEnabled() bool { return l.piiEnabled }

// With returns a Logger carrying args, keeping the PII setting.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), piiEnabled: l.piiEnabled}
}

// ErrorPii logs piiMessage when PII logging is enabled and safeMessage otherwise.
// args are attached to both and must not carry PII.
func (l *Logger) ErrorPii(piiMessage, safeMessage string, args ...any) {
	l.logPii(slog.LevelError, piiMessage, safeMessage, args...)
}

func (l *Logger) WarnPii(piiMessage, safeMessage string, args ...any) {
	l.logPii(slog.LevelWarn, piiMessage, safeMessage, args...)
}

func (l *Logger) InfoPii(piiMessage, safeMessage string, args ...any) {
	l.logPii(slog.LevelInfo, piiMessage, safeMessage, args...)
}

func (l *Logger) logPii(level slog.Level, piiMessage, safeMessage string, args ...any) {
	if l.piiEnabled {
		l.Logger.Log(context.Background(), level, piiMessage, args...)
		return
	}
	l.Logger.Log(context.Background(), level, safeMessage, args...)
}

// Pii returns value when PII logging is enabled and a redaction marker otherwise.
func (l *Logger) Pii(value string) string {
	if l.piiEnabled {
		return value
	}
	return "[redacted]"
}
