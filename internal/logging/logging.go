// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
	File   string // optional; when set, records are also written here as JSON
}

// Setup initializes the global slog logger based on configuration. The
// returned closer releases the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	handler, closer, err := NewHandler(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// NewHandler builds the handler Setup installs, writing console output to w.
func NewHandler(cfg Config, w io.Writer) (slog.Handler, io.Closer, error) {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var console slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		console = slog.NewJSONHandler(w, opts)
	default:
		console = slog.NewTextHandler(w, opts)
	}

	if cfg.File == "" {
		return console, nopCloser{}, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
	}
	return slogmulti.Fanout(console, slog.NewJSONHandler(f, opts)), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// correlationIDKey is the context key for correlation IDs.
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// JobLogger creates a logger carrying the job context.
func JobLogger(jobID, subject string) *slog.Logger {
	return slog.With(
		"component", "orderer",
		"job_id", jobID,
		"subject", subject,
	)
}

// RoundLogger narrows a job logger to a single processing round. The
// round's correlation id is attached when ctx carries one.
func RoundLogger(ctx context.Context, base *slog.Logger, round, pass int) *slog.Logger {
	l := base.With("round", round, "pass", pass)
	if id := CorrelationID(ctx); id != "" {
		l = l.With("round_id", id)
	}
	return l
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
