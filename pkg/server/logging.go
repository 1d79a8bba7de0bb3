package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StructuredLogger writes access and operation logs with trace correlation.
type StructuredLogger struct {
	logger *slog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *slog.Logger) *StructuredLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredLogger{logger: logger}
}

// LogHTTPRequest logs HTTP request details
func (sl *StructuredLogger) LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestID string) {
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	}
	if requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if statusCode >= 400 {
		level = slog.LevelWarn
	}
	if statusCode >= 500 {
		level = slog.LevelError
	}

	sl.logger.LogAttrs(ctx, level, "HTTP request", attrs...)
}

// LogCommand logs a custom command execution. Input is never part of it.
func (sl *StructuredLogger) LogCommand(ctx context.Context, endpoint string, hasInput, succeeded bool, errorKind string, duration time.Duration) {
	attrs := []slog.Attr{
		slog.String("endpoint", endpoint),
		slog.Bool("has_input", hasInput),
		slog.Bool("succeeded", succeeded),
		slog.Duration("duration", duration),
	}
	if errorKind != "" {
		attrs = append(attrs, slog.String("error_kind", errorKind))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if !succeeded {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Command executed", attrs...)
}

// LogStorageEvent logs a storage operation on a dataset.
func (sl *StructuredLogger) LogStorageEvent(ctx context.Context, operation, dataset, errorKind string) {
	attrs := []slog.Attr{
		slog.String("operation", operation),
	}
	if dataset != "" {
		attrs = append(attrs, slog.String("dataset", dataset))
	}
	if errorKind != "" {
		attrs = append(attrs, slog.String("error_kind", errorKind))
	}
	attrs = appendTrace(ctx, attrs)

	level := slog.LevelInfo
	if errorKind != "" {
		level = slog.LevelWarn
	}
	sl.logger.LogAttrs(ctx, level, "Storage event", attrs...)
}

func appendTrace(ctx context.Context, attrs []slog.Attr) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs,
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
