package scheduler

import (
	"strings"
	"sync/atomic"
	"time"

	"legacypipe/internal/pipeerr"
)

// Policy selects how a single failed blob fit affects the run.
type Policy int

const (
	// Abort fails the fitting stage on the first blob error after saving the
	// records completed so far.
	Abort Policy = iota
	// SkipAndRecord logs the failure, records the blob as failed and keeps
	// fitting.
	SkipAndRecord
)

// ParsePolicy maps the configuration spelling to a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "abort":
		return Abort, nil
	case "skip", "skip_and_record":
		return SkipAndRecord, nil
	default:
		return Abort, pipeerr.Configf("unknown blob error policy %q (want abort or skip)", value)
	}
}

func (p Policy) String() string {
	if p == SkipAndRecord {
		return "skip"
	}
	return "abort"
}

// Bailout collects the conditions under which no new blobs are dispatched:
// an operator request or a wall-clock deadline. It is safe for concurrent
// use.
type Bailout struct {
	requested atomic.Bool
	deadline  time.Time
	now       func() time.Time
}

// NewBailout returns a Bailout with an optional deadline; the zero time means
// no deadline.
func NewBailout(deadline time.Time, now func() time.Time) *Bailout {
	if now == nil {
		now = time.Now
	}
	return &Bailout{deadline: deadline, now: now}
}

// Request asks the scheduler to stop dispatching.
func (b *Bailout) Request() {
	if b != nil {
		b.requested.Store(true)
	}
}

// Active reports whether dispatching should stop.
func (b *Bailout) Active() bool {
	if b == nil {
		return false
	}
	if b.requested.Load() {
		return true
	}
	return !b.deadline.IsZero() && !b.now().Before(b.deadline)
}

// Reason describes why the bailout is active.
func (b *Bailout) Reason() string {
	switch {
	case b == nil:
		return ""
	case b.requested.Load():
		return "operator request"
	case !b.deadline.IsZero() && !b.now().Before(b.deadline):
		return "deadline reached"
	default:
		return ""
	}
}
