package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// ActionIDKey is the context key for action ID
	ActionIDKey contextKey = "action_id"
	// AnomalyIDKey is the context key for anomaly ID
	AnomalyIDKey contextKey = "anomaly_id"
	// ProviderKey is the context key for the billing provider
	ProviderKey contextKey = "provider"
)

// Config holds logging configuration
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	// Wrap with context handler
	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler adds context values to log records
type ContextHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing to the wrapped handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}

	if actionID, ok := ctx.Value(ActionIDKey).(string); ok && actionID != "" {
		r.AddAttrs(slog.String("action_id", actionID))
	}

	if anomalyID, ok := ctx.Value(AnomalyIDKey).(string); ok && anomalyID != "" {
		r.AddAttrs(slog.String("anomaly_id", anomalyID))
	}

	if provider, ok := ctx.Value(ProviderKey).(string); ok && provider != "" {
		r.AddAttrs(slog.String("provider", provider))
	}

	return h.Handler.Handle(ctx, r)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithActionID adds an action ID to the context
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, ActionIDKey, actionID)
}

// WithAnomalyID adds an anomaly ID to the context
func WithAnomalyID(ctx context.Context, anomalyID string) context.Context {
	return context.WithValue(ctx, AnomalyIDKey, anomalyID)
}

// WithProvider adds a billing provider to the context
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, ProviderKey, provider)
}

// Logger returns a logger with additional context
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	var attrs []any
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if actionID, ok := ctx.Value(ActionIDKey).(string); ok && actionID != "" {
		attrs = append(attrs, "action_id", actionID)
	}
	if anomalyID, ok := ctx.Value(AnomalyIDKey).(string); ok && anomalyID != "" {
		attrs = append(attrs, "anomaly_id", anomalyID)
	}
	if provider, ok := ctx.Value(ProviderKey).(string); ok && provider != "" {
		attrs = append(attrs, "provider", provider)
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// Audit logs an audit event (always logged regardless of level).
// Every action lifecycle transition emits one of these.
func Audit(ctx context.Context, operation string, attrs ...any) {
	logger := slog.Default()

	baseAttrs := []any{
		"audit", true,
		"operation", operation,
	}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		baseAttrs = append(baseAttrs, "request_id", requestID)
	}
	if actionID, ok := ctx.Value(ActionIDKey).(string); ok && actionID != "" {
		baseAttrs = append(baseAttrs, "action_id", actionID)
	}
	if anomalyID, ok := ctx.Value(AnomalyIDKey).(string); ok && anomalyID != "" {
		baseAttrs = append(baseAttrs, "anomaly_id", anomalyID)
	}

	baseAttrs = append(baseAttrs, attrs...)

	logger.Info("AUDIT", baseAttrs...)
}

// Common log operations with context

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Debug(msg, args...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Info(msg, args...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Warn(msg, args...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	Logger(ctx).Error(msg, args...)
}
