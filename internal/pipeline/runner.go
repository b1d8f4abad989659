package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/runctx"
)

// Options tunes a Runner.
type Options struct {
	// Prereqs maps a stage to the stage it consumes. A missing or empty entry
	// marks a root stage.
	Prereqs map[string]string
	Force   []string
	// ForceAll reruns every stage on the path regardless of the cache.
	ForceAll bool
	// WriteStages restricts cache writes to the named stages; empty means every stage.
	WriteStages []string
	NoWrite     bool
	Cache       Cache
	Now         func() time.Time
}

// Runner resolves stages against a cache.
type Runner struct {
	stages  map[string]Stage
	order   []string
	initial *Output
	opts    Options
	force   map[string]bool
	write   map[string]bool
	events  []Event
}

// New registers stages and validates the graph.
func New(stages []Stage, initial *Output, opts Options) (*Runner, error) {
	r := &Runner{
		stages:  make(map[string]Stage, len(stages)),
		initial: initial,
		opts:    opts,
		force:   make(map[string]bool),
	}
	if r.initial == nil {
		r.initial = NewOutput()
	}
	if r.opts.Prereqs == nil {
		r.opts.Prereqs = map[string]string{}
	}
	if r.opts.Now == nil {
		r.opts.Now = time.Now
	}
	for _, st := range stages {
		if strings.TrimSpace(st.Name) == "" {
			return nil, pipeerr.Configf("stage with empty name")
		}
		if _, dup := r.stages[st.Name]; dup {
			return nil, pipeerr.Configf("stage %q registered twice", st.Name)
		}
		if st.Run == nil {
			return nil, pipeerr.Configf("stage %q has no run function", st.Name)
		}
		r.stages[st.Name] = st
		r.order = append(r.order, st.Name)
	}
	for _, name := range opts.Force {
		if _, ok := r.stages[name]; !ok {
			return nil, pipeerr.Configf("cannot force unknown stage %q", name)
		}
		r.force[name] = true
	}
	if len(opts.WriteStages) > 0 {
		r.write = make(map[string]bool, len(opts.WriteStages))
		for _, name := range opts.WriteStages {
			if _, ok := r.stages[name]; !ok {
				return nil, pipeerr.Configf("cannot write unknown stage %q", name)
			}
			r.write[name] = true
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Stages lists registered stage names in registration order.
func (r *Runner) Stages() []string {
	return slices.Clone(r.order)
}

// Prereq returns the prerequisite of name, or "" for a root stage.
func (r *Runner) Prereq(name string) string {
	return r.opts.Prereqs[name]
}

// Validate checks the prerequisite graph and every stage's declared inputs.
func (r *Runner) Validate() error {
	for stage, prereq := range r.opts.Prereqs {
		if _, ok := r.stages[stage]; !ok {
			return pipeerr.Configf("prerequisite declared for unknown stage %q", stage)
		}
		if prereq == "" {
			continue
		}
		if _, ok := r.stages[prereq]; !ok {
			return pipeerr.Configf("stage %q depends on unknown stage %q", stage, prereq)
		}
	}
	for _, name := range r.order {
		chain, err := r.ancestry(name)
		if err != nil {
			return err
		}
		available := make(map[string]bool)
		for _, n := range r.initial.Names() {
			available[n] = true
		}
		for _, ancestor := range chain {
			for _, out := range r.stages[ancestor].Outputs {
				available[out] = true
			}
		}
		var missing []string
		for _, in := range r.stages[name].Inputs {
			if !available[in] {
				missing = append(missing, in)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return pipeerr.Configf("stage %q needs %s, which no upstream stage produces", name, strings.Join(missing, ", "))
		}
	}
	return nil
}

// ancestry returns the stages upstream of name, nearest first.
func (r *Runner) ancestry(name string) ([]string, error) {
	seen := map[string]bool{name: true}
	var chain []string
	for cur := r.opts.Prereqs[name]; cur != ""; cur = r.opts.Prereqs[cur] {
		if seen[cur] {
			return nil, pipeerr.Configf("prerequisite cycle through stage %q", cur)
		}
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain, nil
}

// Events returns the stage resolutions of every Run call so far.
func (r *Runner) Events() []Event {
	return slices.Clone(r.events)
}

// Run resolves name and returns its closure overlaid with the run-level constants.
func (r *Runner) Run(ctx context.Context, rc *RunContext, name string) (Values, error) {
	if _, ok := r.stages[name]; !ok {
		return Values{}, pipeerr.Configf("unknown stage %q", name)
	}
	closure, err := r.resolve(ctx, rc, name)
	if err != nil {
		return Values{}, err
	}
	return closure.With(r.initial), nil
}

func (r *Runner) resolve(ctx context.Context, rc *RunContext, name string) (Values, error) {
	if err := ctx.Err(); err != nil {
		return Values{}, err
	}
	stage := r.stages[name]
	stageCtx := runctx.WithStage(ctx, name)
	logger := logging.WithContext(stageCtx, baseLogger(rc))

	if !r.opts.ForceAll && !r.force[name] && r.opts.Cache != nil {
		if closure, ok := r.cached(stageCtx, rc, name, logger); ok {
			return closure, nil
		}
	} else if r.opts.Cache != nil {
		logger.Info("ignoring cached stage",
			logging.String(logging.FieldEventType, "stage_forced"),
		)
	}

	upstream := Values{}
	if prereq := r.opts.Prereqs[name]; prereq != "" {
		var err error
		upstream, err = r.resolve(ctx, rc, prereq)
		if err != nil {
			return Values{}, err
		}
	}
	inputs := upstream.With(r.initial)
	for _, in := range stage.Inputs {
		if !inputs.Has(in) {
			return Values{}, pipeerr.Wrap(pipeerr.ErrStage, "pipeline", name, fmt.Sprintf("missing input %q", in), nil)
		}
	}

	stageRC := &RunContext{Logger: logger}
	if rc != nil {
		copyRC := *rc
		copyRC.Logger = logger
		stageRC = &copyRC
	}

	start := r.opts.Now()
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	out, err := stage.Run(stageCtx, stageRC, inputs)
	if err != nil {
		if pipeerr.ExitCode(err) == pipeerr.ExitOK {
			logger.Info("stage found nothing to do",
				logging.String(logging.FieldEventType, "stage_nothing_to_do"),
				logging.String("reason", err.Error()),
			)
		} else {
			logger.Error("stage failed",
				logging.String(logging.FieldEventType, "stage_failure"),
				logging.Duration("stage_duration", r.opts.Now().Sub(start)),
				logging.Error(err),
			)
		}
		return Values{}, fmt.Errorf("stage %s: %w", name, err)
	}
	if err := checkOutputs(stage, out); err != nil {
		return Values{}, err
	}
	closure := upstream.With(out)
	duration := r.opts.Now().Sub(start)

	written := false
	if r.writes(name) {
		entry := &Entry{
			Brick:     brickName(rc),
			Stage:     name,
			RunID:     runID(rc),
			Produced:  out.Names(),
			Values:    closure.Raw(),
			Digest:    closure.Digest(),
			CreatedAt: r.opts.Now().UTC(),
		}
		if err := r.opts.Cache.Save(stageCtx, entry); err != nil {
			return Values{}, pipeerr.Wrap(pipeerr.ErrStage, "pipeline", name, "save cached stage", err)
		}
		written = true
	}
	r.events = append(r.events, Event{
		Stage:    name,
		Action:   ActionRan,
		Duration: duration,
		Digest:   closure.Digest(),
		Written:  written,
	})
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", duration),
		logging.Int("outputs", len(out.Names())),
		logging.Bool("cached_write", written),
	)
	return closure, nil
}

func (r *Runner) cached(ctx context.Context, rc *RunContext, name string, logger *slog.Logger) (Values, bool) {
	entry, ok, err := r.opts.Cache.Load(ctx, brickName(rc), name)
	if err != nil {
		logging.WarnWithContext(logger, "stage cache unreadable; recomputing", "stage_cache_unreadable",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "clear the stage cache for this brick"),
		)
		return Values{}, false
	}
	if !ok {
		return Values{}, false
	}
	closure := ValuesFromRaw(entry.Values)
	if digest := closure.Digest(); digest != entry.Digest {
		logging.WarnWithContext(logger, "stage cache digest mismatch; recomputing", "stage_cache_corrupt",
			logging.String("expected", entry.Digest),
			logging.String("actual", digest),
		)
		return Values{}, false
	}
	r.events = append(r.events, Event{Stage: name, Action: ActionCached, Digest: entry.Digest})
	logger.Info("stage loaded from cache",
		logging.String(logging.FieldEventType, "stage_cached"),
		logging.String("cached_run_id", entry.RunID),
	)
	return closure, true
}

func (r *Runner) writes(name string) bool {
	if r.opts.NoWrite || r.opts.Cache == nil {
		return false
	}
	if r.write == nil {
		return true
	}
	return r.write[name]
}

func checkOutputs(stage Stage, out *Output) error {
	declared := make(map[string]bool, len(stage.Outputs))
	for _, name := range stage.Outputs {
		declared[name] = true
		if out == nil || out.entries[name] == nil {
			return pipeerr.Wrap(pipeerr.ErrStage, "pipeline", stage.Name, fmt.Sprintf("declared output %q not produced", name), nil)
		}
	}
	for _, name := range out.Names() {
		if !declared[name] {
			return pipeerr.Wrap(pipeerr.ErrStage, "pipeline", stage.Name, fmt.Sprintf("undeclared output %q", name), nil)
		}
	}
	return nil
}

func baseLogger(rc *RunContext) *slog.Logger {
	if rc == nil || rc.Logger == nil {
		return logging.NewNop()
	}
	return rc.Logger
}

func brickName(rc *RunContext) string {
	if rc == nil {
		return ""
	}
	return rc.Brick
}

func runID(rc *RunContext) string {
	if rc == nil {
		return ""
	}
	return rc.RunID
}
