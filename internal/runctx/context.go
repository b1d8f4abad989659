package runctx

import "context"

type contextKey string

const (
	runIDKey  contextKey = "run_id"
	brickKey  contextKey = "brick"
	stageKey  contextKey = "stage"
	blobIDKey contextKey = "blob_id"
)

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithBrick annotates context with the brick name being reduced.
func WithBrick(ctx context.Context, brick string) context.Context {
	if brick == "" {
		return ctx
	}
	return context.WithValue(ctx, brickKey, brick)
}

// BrickFromContext returns the brick name if present.
func BrickFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(brickKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithBlobID annotates context with the blob currently being handled.
// Negative ids mean "no blob" and leave the context untouched.
func WithBlobID(ctx context.Context, id int) context.Context {
	if id < 0 {
		return ctx
	}
	return context.WithValue(ctx, blobIDKey, id)
}

// BlobIDFromContext extracts the blob id if present.
func BlobIDFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(blobIDKey).(int)
	return v, ok
}
