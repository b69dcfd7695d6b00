// Package logging builds the service's slog loggers and carries
// request-scoped attributes (request id, authenticated agent) through
// context.Context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

type ctxKey struct{}

// scope is the request-scoped state stored in a context.
type scope struct {
	logger    *slog.Logger
	requestID string
	agent     string
}

func scopeOf(ctx context.Context) scope {
	if s, ok := ctx.Value(ctxKey{}).(scope); ok {
		return s
	}
	return scope{}
}

// ParseLevel maps debug|info|warn|error to a level. Anything else is info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a logger writing to stdout. format is "json", "text" or
// "pretty" (colored, for local development).
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	source := lvl <= slog.LevelDebug

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: source}))
	case "pretty":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       lvl,
			AddSource:   source,
			TimeFormat:  "15:04:05.000",
			ReplaceAttr: highlightErrors,
		}))
	default:
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl, AddSource: source}))
	}
}

// highlightErrors paints error values red in pretty output.
func highlightErrors(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if _, ok := a.Value.Any().(error); ok {
			return tint.Attr(9, a)
		}
	}
	return a
}

// WithRequestID records the request id in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	s := scopeOf(ctx)
	s.requestID = requestID
	return context.WithValue(ctx, ctxKey{}, s)
}

// RequestID returns the request id recorded in ctx, or "".
func RequestID(ctx context.Context) string {
	return scopeOf(ctx).requestID
}

// WithAgent records the authenticated agent address in ctx.
func WithAgent(ctx context.Context, agent string) context.Context {
	s := scopeOf(ctx)
	s.agent = agent
	return context.WithValue(ctx, ctxKey{}, s)
}

// Agent returns the agent recorded in ctx, or "".
func Agent(ctx context.Context) string {
	return scopeOf(ctx).agent
}

// WithLogger stores the base logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	s := scopeOf(ctx)
	s.logger = logger
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the stored logger or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l := scopeOf(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the context logger annotated with requestId and agent.
func L(ctx context.Context) *slog.Logger {
	s := scopeOf(ctx)
	logger := FromContext(ctx)
	if s.requestID != "" {
		logger = logger.With("requestId", s.requestID)
	}
	if s.agent != "" {
		logger = logger.With("agent", s.agent)
	}
	return logger
}
