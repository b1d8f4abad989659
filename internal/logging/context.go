package logging

import (
	"context"
	"log/slog"

	"legacypipe/internal/runctx"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized key for pipeline run identifiers.
	FieldRunID = "run_id"
	// FieldBrick is the standardized key for brick names.
	FieldBrick = "brick"
	// FieldStage is the standardized key for pipeline stage names.
	FieldStage = "stage"
	// FieldBlobID is the standardized key for blob identifiers.
	FieldBlobID = "blob_id"
	// FieldEventType classifies a log line for filtering (stage_start, checkpoint_flush, ...).
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldDecisionType names the decision being logged.
	FieldDecisionType = "decision_type"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := runctx.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if brick, ok := runctx.BrickFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldBrick, brick))
	}
	if stage, ok := runctx.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if blob, ok := runctx.BlobIDFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldBlobID, blob))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
