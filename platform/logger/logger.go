// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Context key types for storing values in context
type contextKey string

const (
	// TraceIDKey is the context key for the trace id propagated from intake.
	TraceIDKey contextKey = "trace_id"
	// ConsumerIDKey is the context key for the queue consumer id.
	ConsumerIDKey contextKey = "consumer_id"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports trace_id and consumer_id from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		newLogger = newLogger.WithTraceID(traceID)
	}

	if consumerID, ok := ctx.Value(ConsumerIDKey).(string); ok && consumerID != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("consumer_id", consumerID)),
		}
	}

	return newLogger
}

// WithTraceID returns a logger with the propagated trace id attached.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("trace_id", traceID)),
	}
}

// QueueEvent logs a queue lifecycle event (publish, fetch, ack, reclaim, dead-letter).
func (l *Logger) QueueEvent(event, topic, group, messageID string) {
	l.Info("queue_event",
		slog.String("event", event),
		slog.String("topic", topic),
		slog.String("group", group),
		slog.String("message_id", messageID),
	)
}

// AssignmentEvent logs a handler assignment outcome.
func (l *Logger) AssignmentEvent(process, destination, source, handlerID string, leadCount int) {
	l.Info("assignment_event",
		slog.String("process", process),
		slog.String("destination", destination),
		slog.String("source", source),
		slog.String("handler_id", handlerID),
		slog.Int("lead_count", leadCount),
	)
}

// ProcessingError logs a consumer processing failure.
func (l *Logger) ProcessingError(topic, group, messageID string, err error) {
	l.Error("processing_error",
		slog.String("topic", topic),
		slog.String("group", group),
		slog.String("message_id", messageID),
		slog.String("error", err.Error()),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// CRMCall logs an external CRM API call.
func (l *Logger) CRMCall(operation string, success bool, latencyMs float64) {
	if success {
		l.Info("crm_call",
			slog.String("operation", operation),
			slog.Bool("success", success),
			slog.Float64("latency_ms", latencyMs),
		)
	} else {
		l.Warn("crm_call",
			slog.String("operation", operation),
			slog.Bool("success", success),
			slog.Float64("latency_ms", latencyMs),
		)
	}
}
