package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/lmittmann/tint"
)

type Options struct {
	Level  slog.Level
	Format string
	// Sentry forwards warnings as Sentry logs and errors as Sentry events.
	// Only enable it after sentry.Init succeeded.
	Sentry bool
}

// New builds the process logger: tint for text, the stdlib JSON handler for
// json, optionally fanned out to Sentry.
func New(w io.Writer, opts Options) *slog.Logger {
	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		console = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	default:
		console = tint.NewHandler(w, &tint.Options{Level: opts.Level})
	}

	if !opts.Sentry {
		return slog.New(console)
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn},
	}.NewSentryHandler(context.Background())

	return slog.New(MultiHandler(console, sentryHandler))
}
