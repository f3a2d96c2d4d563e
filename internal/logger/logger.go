// Package logger configures the service's structured logging and the helpers
// that keep payment identifiers and operator emails out of log lines. Loggers
// travel through request contexts via zerolog's native context support, so
// every layer logs with the request's fields attached.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	Service     string
	Version     string
	Environment string
}

// New builds the root logger. The level is set on the logger itself rather
// than globally, so tests and embedded use never fight over process state.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", cfg.Service).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()
}

// WithContext attaches a logger to the context.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the context's logger. Contexts without one get a
// disabled logger, never a nil dereference.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return zerolog.Nop()
	}
	return *zerolog.Ctx(ctx)
}

// TruncateID shortens a trade number or charge id for log lines: enough of
// the head to locate the record, the tail to disambiguate, nothing greppable
// in between. Short ids pass through whole.
func TruncateID(id string) string {
	const head, tail = 6, 4
	if len(id) <= head+tail+2 {
		return id
	}
	return id[:head] + ".." + id[len(id)-tail:]
}

// RedactEmail masks an operator or user email, keeping only the first
// character of the local part and the domain.
func RedactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	switch {
	case email == "":
		return ""
	case at <= 0:
		return "[redacted]"
	default:
		return email[:1] + "***@" + email[at+1:]
	}
}
