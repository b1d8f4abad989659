package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
)

var (
	seedKey  = pipeline.NewKey[int]("seed")
	aKey     = pipeline.NewKey[int]("a")
	bKey     = pipeline.NewKey[[]int]("b")
	cKey     = pipeline.NewKey[string]("c")
	scaleKey = pipeline.NewKey[int]("scale")
)

type counter map[string]int

func chainStages(calls counter) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name:    "one",
			Inputs:  pipeline.Names(seedKey),
			Outputs: pipeline.Names(aKey),
			Run: func(_ context.Context, _ *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
				calls["one"]++
				seed, err := pipeline.Lookup(in, seedKey)
				if err != nil {
					return nil, err
				}
				out := pipeline.NewOutput()
				return out, pipeline.Set(out, aKey, seed+1)
			},
		},
		{
			Name:    "two",
			Inputs:  pipeline.Names(aKey, scaleKey),
			Outputs: pipeline.Names(bKey),
			Run: func(_ context.Context, _ *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
				calls["two"]++
				a, err := pipeline.Lookup(in, aKey)
				if err != nil {
					return nil, err
				}
				scale, err := pipeline.Lookup(in, scaleKey)
				if err != nil {
					return nil, err
				}
				out := pipeline.NewOutput()
				return out, pipeline.Set(out, bKey, []int{a, a * scale})
			},
		},
		{
			Name:    "three",
			Inputs:  pipeline.Names(bKey),
			Outputs: pipeline.Names(cKey),
			Run: func(_ context.Context, _ *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
				calls["three"]++
				b, err := pipeline.Lookup(in, bKey)
				if err != nil {
					return nil, err
				}
				out := pipeline.NewOutput()
				return out, pipeline.Set(out, cKey, fmt.Sprint(b))
			},
		},
	}
}

var chainPrereqs = map[string]string{"two": "one", "three": "two"}

func initialValues(t *testing.T, seed, scale int) *pipeline.Output {
	t.Helper()
	out := pipeline.NewOutput()
	if err := pipeline.Set(out, seedKey, seed); err != nil {
		t.Fatalf("set seed: %v", err)
	}
	if err := pipeline.Set(out, scaleKey, scale); err != nil {
		t.Fatalf("set scale: %v", err)
	}
	return out
}

func newRunner(t *testing.T, calls counter, cache pipeline.Cache, opts pipeline.Options) *pipeline.Runner {
	t.Helper()
	if opts.Prereqs == nil {
		opts.Prereqs = chainPrereqs
	}
	opts.Cache = cache
	r, err := pipeline.New(chainStages(calls), initialValues(t, 1, 10), opts)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func rc() *pipeline.RunContext {
	return pipeline.NewRunContext("1498p017", nil)
}

func TestRunResolvesChain(t *testing.T) {
	calls := counter{}
	r := newRunner(t, calls, pipeline.NewMemoryCache(), pipeline.Options{})
	vals, err := r.Run(context.Background(), rc(), "three")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	c, err := pipeline.Lookup(vals, cKey)
	if err != nil {
		t.Fatalf("lookup c: %v", err)
	}
	if c != "[2 20]" {
		t.Fatalf("unexpected c %q", c)
	}
	for _, name := range []string{"one", "two", "three"} {
		if calls[name] != 1 {
			t.Fatalf("stage %s ran %d times", name, calls[name])
		}
	}
	if !vals.Has("seed") || !vals.Has("a") {
		t.Fatalf("closure missing upstream values: %v", vals.Names())
	}
}

func TestCacheHitSkipsAncestors(t *testing.T) {
	cache := pipeline.NewMemoryCache()
	first := newRunner(t, counter{}, cache, pipeline.Options{})
	if _, err := first.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	calls := counter{}
	second := newRunner(t, calls, cache, pipeline.Options{})
	if _, err := second.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("expected no stage execution on cache hit, got %v", calls)
	}
	events := second.Events()
	if len(events) != 1 || events[0].Stage != "three" || events[0].Action != pipeline.ActionCached {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestForceReruns(t *testing.T) {
	cache := pipeline.NewMemoryCache()
	if _, err := newRunner(t, counter{}, cache, pipeline.Options{}).Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	calls := counter{}
	r := newRunner(t, calls, cache, pipeline.Options{Force: []string{"three"}})
	if _, err := r.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if calls["three"] != 1 || calls["two"] != 0 || calls["one"] != 0 {
		t.Fatalf("force should rerun only the forced stage, got %v", calls)
	}

	calls = counter{}
	r = newRunner(t, calls, cache, pipeline.Options{ForceAll: true})
	if _, err := r.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("force-all run: %v", err)
	}
	if calls["one"] != 1 || calls["two"] != 1 || calls["three"] != 1 {
		t.Fatalf("force-all should rerun the whole chain, got %v", calls)
	}
}

func TestIdempotentRerunIsByteIdentical(t *testing.T) {
	first := pipeline.NewMemoryCache()
	second := pipeline.NewMemoryCache()
	if _, err := newRunner(t, counter{}, first, pipeline.Options{}).Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := newRunner(t, counter{}, second, pipeline.Options{}).Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("second: %v", err)
	}
	for _, stage := range []string{"one", "two", "three"} {
		a, ok, err := first.Load(context.Background(), "1498p017", stage)
		if err != nil || !ok {
			t.Fatalf("load %s from first: ok=%v err=%v", stage, ok, err)
		}
		b, ok, err := second.Load(context.Background(), "1498p017", stage)
		if err != nil || !ok {
			t.Fatalf("load %s from second: ok=%v err=%v", stage, ok, err)
		}
		if a.Digest != b.Digest {
			t.Fatalf("stage %s digest differs: %s vs %s", stage, a.Digest, b.Digest)
		}
		if a.RunID == b.RunID {
			t.Fatalf("expected distinct run ids")
		}
		for name, payload := range a.Values {
			if !bytes.Equal(payload, b.Values[name]) {
				t.Fatalf("stage %s value %s differs", stage, name)
			}
		}
	}
}

func TestCachedEntriesExcludeRunConstants(t *testing.T) {
	cache := pipeline.NewMemoryCache()
	if _, err := newRunner(t, counter{}, cache, pipeline.Options{}).Run(context.Background(), rc(), "two"); err != nil {
		t.Fatalf("run: %v", err)
	}
	entry, ok, err := cache.Load(context.Background(), "1498p017", "two")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if _, has := entry.Values["scale"]; has {
		t.Fatalf("run-level constant leaked into cache entry")
	}
	if len(entry.Produced) != 1 || entry.Produced[0] != "b" {
		t.Fatalf("unexpected produced list %v", entry.Produced)
	}
}

func TestNoWriteAndWriteStages(t *testing.T) {
	cache := pipeline.NewMemoryCache()
	if _, err := newRunner(t, counter{}, cache, pipeline.Options{NoWrite: true}).Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, stage := range []string{"one", "two", "three"} {
		if _, ok, _ := cache.Load(context.Background(), "1498p017", stage); ok {
			t.Fatalf("no-write run cached stage %s", stage)
		}
	}

	r := newRunner(t, counter{}, cache, pipeline.Options{WriteStages: []string{"two"}})
	if _, err := r.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok, _ := cache.Load(context.Background(), "1498p017", "two"); !ok {
		t.Fatal("expected stage two cached")
	}
	if _, ok, _ := cache.Load(context.Background(), "1498p017", "three"); ok {
		t.Fatal("stage three should not be cached")
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	cases := []struct {
		name    string
		prereqs map[string]string
	}{
		{name: "unknown prereq", prereqs: map[string]string{"two": "zero", "three": "two"}},
		{name: "unknown stage", prereqs: map[string]string{"two": "one", "three": "two", "four": "three"}},
		{name: "cycle", prereqs: map[string]string{"one": "three", "two": "one", "three": "two"}},
		{name: "missing input", prereqs: map[string]string{"two": "one", "three": "one"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pipeline.New(chainStages(counter{}), initialValues(t, 1, 1), pipeline.Options{Prereqs: tc.prereqs})
			if !errors.Is(err, pipeerr.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestUndeclaredOutputRejected(t *testing.T) {
	stages := []pipeline.Stage{{
		Name:    "leaky",
		Outputs: pipeline.Names(aKey),
		Run: func(context.Context, *pipeline.RunContext, pipeline.Values) (*pipeline.Output, error) {
			out := pipeline.NewOutput()
			_ = pipeline.Set(out, aKey, 1)
			_ = pipeline.Set(out, cKey, "extra")
			return out, nil
		},
	}}
	r, err := pipeline.New(stages, nil, pipeline.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Run(context.Background(), rc(), "leaky"); !errors.Is(err, pipeerr.ErrStage) {
		t.Fatalf("expected stage error, got %v", err)
	}
}

func TestMissingDeclaredOutputRejected(t *testing.T) {
	stages := []pipeline.Stage{{
		Name:    "lazy",
		Outputs: pipeline.Names(aKey),
		Run: func(context.Context, *pipeline.RunContext, pipeline.Values) (*pipeline.Output, error) {
			return pipeline.NewOutput(), nil
		},
	}}
	r, err := pipeline.New(stages, nil, pipeline.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Run(context.Background(), rc(), "lazy"); !errors.Is(err, pipeerr.ErrStage) {
		t.Fatalf("expected stage error, got %v", err)
	}
}

func TestStageErrorKeepsMarker(t *testing.T) {
	stages := []pipeline.Stage{{
		Name: "empty",
		Run: func(context.Context, *pipeline.RunContext, pipeline.Values) (*pipeline.Output, error) {
			return nil, pipeerr.NothingToDof("no exposures")
		},
	}}
	cache := pipeline.NewMemoryCache()
	r, err := pipeline.New(stages, nil, pipeline.Options{Cache: cache})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = r.Run(context.Background(), rc(), "empty")
	if !errors.Is(err, pipeerr.ErrNothingToDo) {
		t.Fatalf("expected nothing-to-do marker, got %v", err)
	}
	if _, ok, _ := cache.Load(context.Background(), "1498p017", "empty"); ok {
		t.Fatal("failed stage must not be cached")
	}
}

func TestLookupReturnsPrivateCopies(t *testing.T) {
	out := pipeline.NewOutput()
	if err := pipeline.Set(out, bKey, []int{1, 2, 3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	vals := pipeline.Values{}.With(out)
	first, err := pipeline.Lookup(vals, bKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	first[0] = 99
	second, err := pipeline.Lookup(vals, bKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if second[0] != 1 {
		t.Fatalf("mutation leaked into store: %v", second)
	}
	if _, err := pipeline.Lookup(vals, aKey); !errors.Is(err, pipeerr.ErrStage) {
		t.Fatalf("expected missing lookup to fail, got %v", err)
	}
}

type brokenCache struct{}

func (brokenCache) Load(context.Context, string, string) (*pipeline.Entry, bool, error) {
	return nil, false, errors.New("disk gone")
}

func (brokenCache) Save(context.Context, *pipeline.Entry) error { return nil }

func TestUnreadableCacheRecomputes(t *testing.T) {
	calls := counter{}
	r := newRunner(t, calls, brokenCache{}, pipeline.Options{})
	if _, err := r.Run(context.Background(), rc(), "three"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls["one"] != 1 {
		t.Fatalf("expected recompute, got %v", calls)
	}
}
