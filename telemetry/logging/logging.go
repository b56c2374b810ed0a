// Package logging wraps slog with trace correlation so log lines emitted
// inside analysis spans carry the matching trace and span ids.
package logging

import (
	"context"
	"log/slog"
	"os"

	internaltracing "github.com/99souls/memwatch/internal/telemetry/tracing"
)

// Logger is the correlated logging surface handed to hub subsystems.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	Base() *slog.Logger
}

type correlatedLogger struct{ base *slog.Logger }

// New wraps base with correlation injection. A nil base uses slog.Default.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

// NewJSON builds a JSON-handler logger at the given level, the default for
// the server entrypoint.
func NewJSON(level slog.Level) Logger {
	return New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func (l *correlatedLogger) Base() *slog.Logger { return l.base }

func (l *correlatedLogger) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	l.base.Log(ctx, level, msg, attrs...)
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.log(ctx, slog.LevelDebug, msg, attrs...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.log(ctx, slog.LevelInfo, msg, attrs...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.log(ctx, slog.LevelWarn, msg, attrs...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.log(ctx, slog.LevelError, msg, attrs...)
}
