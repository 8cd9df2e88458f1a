package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for internal job row identifiers.
	FieldJobID = "job_id"
	// FieldJobKey is the standardized structured logging key for client-facing job keys.
	FieldJobKey = "job_key"
	// FieldClientID is the standardized structured logging key for submitting client identifiers.
	FieldClientID = "client_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldAttempt is the standardized structured logging key for job attempt numbers.
	FieldAttempt = "attempt"
	// FieldWorker is the standardized structured logging key for worker slot identifiers.
	FieldWorker = "worker"
	// FieldEventType is the standardized structured logging key for machine-readable event names.
	FieldEventType = "event_type"
	// FieldErrorHint is the standardized structured logging key for operator guidance on failures.
	FieldErrorHint = "error_hint"
)

type contextKey struct{}

type contextFields struct {
	jobID    int64
	jobKey   string
	clientID string
	stage    string
	attempt  int
}

// WithJob attaches job identity to the context for downstream log enrichment.
func WithJob(ctx context.Context, jobID int64, jobKey, clientID string) context.Context {
	fields := fieldsFrom(ctx)
	fields.jobID = jobID
	fields.jobKey = jobKey
	fields.clientID = clientID
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithStage attaches the active stage name to the context.
func WithStage(ctx context.Context, stage string) context.Context {
	fields := fieldsFrom(ctx)
	fields.stage = stage
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithAttempt attaches the current attempt number to the context.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	fields := fieldsFrom(ctx)
	fields.attempt = attempt
	return context.WithValue(ctx, contextKey{}, fields)
}

// WithContext returns a logger enriched with any job, stage, and attempt
// fields carried by the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	attrs := ContextAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(Args(attrs...)...)
}

// ContextAttrs extracts standardized attributes from the context.
func ContextAttrs(ctx context.Context) []Attr {
	fields := fieldsFrom(ctx)
	var attrs []Attr
	if fields.jobID != 0 {
		attrs = append(attrs, Int64(FieldJobID, fields.jobID))
	}
	if fields.jobKey != "" {
		attrs = append(attrs, String(FieldJobKey, fields.jobKey))
	}
	if fields.clientID != "" {
		attrs = append(attrs, String(FieldClientID, fields.clientID))
	}
	if fields.stage != "" {
		attrs = append(attrs, String(FieldStage, fields.stage))
	}
	if fields.attempt > 0 {
		attrs = append(attrs, Int(FieldAttempt, fields.attempt))
	}
	return attrs
}

func fieldsFrom(ctx context.Context) contextFields {
	if ctx == nil {
		return contextFields{}
	}
	if fields, ok := ctx.Value(contextKey{}).(contextFields); ok {
		return fields
	}
	return contextFields{}
}
