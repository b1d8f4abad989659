package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Stage is one named step of a brick reduction.
type Stage struct {
	Name    string
	Inputs  []string
	Outputs []string
	Run     func(ctx context.Context, rc *RunContext, in Values) (*Output, error)
}

// RunContext carries the per-run state every stage may consult.
type RunContext struct {
	RunID    string
	Brick    string
	Logger   *slog.Logger
	Deadline time.Time
}

// NewRunContext returns a context with a fresh run id.
func NewRunContext(brick string, logger *slog.Logger) *RunContext {
	return &RunContext{
		RunID:  uuid.NewString(),
		Brick:  brick,
		Logger: logger,
	}
}

// HasDeadline reports whether a wall-clock deadline was set.
func (rc *RunContext) HasDeadline() bool {
	return rc != nil && !rc.Deadline.IsZero()
}

// Action describes how the runner satisfied a stage.
type Action string

const (
	ActionCached Action = "cached"
	ActionRan    Action = "ran"
)

// Event records one stage resolution.
type Event struct {
	Stage    string
	Action   Action
	Duration time.Duration
	Digest   string
	Written  bool
}
