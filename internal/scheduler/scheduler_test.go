package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/checkpoint"
	"legacypipe/internal/fit"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/workerpool"
)

// rectPartition builds a partition whose blobs are the given rectangles, with
// one source per blob at the rectangle's first pixel.
func rectPartition(t *testing.T, w, h int, boxes ...blobs.BBox) (*blobs.Partition, []fit.Source) {
	t.Helper()
	part := &blobs.Partition{Width: w, Height: h, Raster: blobs.NewRaster(w, h)}
	var sources []fit.Source
	for id, box := range boxes {
		mask := blobs.NewMask(box.Width(), box.Height())
		for i := range mask.Bits {
			mask.Bits[i] = true
		}
		for y := box.Y0; y < box.Y1; y++ {
			for x := box.X0; x < box.X1; x++ {
				if part.Raster.IDs[y*w+x] != blobs.NoBlob {
					t.Fatalf("rectangles %d and %d overlap", part.Raster.IDs[y*w+x], id)
				}
				part.Raster.IDs[y*w+x] = id
			}
		}
		part.Blobs = append(part.Blobs, blobs.Blob{
			ID:      id,
			BBox:    box,
			Mask:    mask,
			Sources: []int{len(sources)},
			NPix:    box.Width() * box.Height(),
		})
		sources = append(sources, fit.Source{Index: len(sources), X: float64(box.X0), Y: float64(box.Y0)})
	}
	return part, sources
}

// stripPartition builds blobs as horizontal strips with the given pixel counts.
func stripPartition(t *testing.T, sizes ...int) (*blobs.Partition, []fit.Source) {
	t.Helper()
	width := 0
	for _, n := range sizes {
		width = max(width, n)
	}
	boxes := make([]blobs.BBox, len(sizes))
	for i, n := range sizes {
		boxes[i] = blobs.BBox{X0: 0, Y0: 2 * i, X1: n, Y1: 2*i + 1}
	}
	return rectPartition(t, width, 2*len(sizes), boxes...)
}

type recordingFitter struct {
	mu    sync.Mutex
	calls []int
	fail  map[int]error
	// after is invoked once the given number of fits have completed.
	after     int
	afterFunc func()
	jitter    bool
}

func (f *recordingFitter) Fit(_ context.Context, task fit.Task) (fit.BlobResult, error) {
	if f.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	f.mu.Lock()
	f.calls = append(f.calls, task.BlobID)
	n := len(f.calls)
	err := f.fail[task.BlobID]
	f.mu.Unlock()
	if err != nil {
		return fit.BlobResult{}, err
	}
	res := fit.BlobResult{BlobID: task.BlobID, BBox: task.BBox, NPix: task.Mask.Count(), NImages: len(task.Images)}
	for _, src := range task.Sources {
		res.Sources = append(res.Sources, fit.SourceFit{
			Source:         fit.Source{Index: src.Index, X: src.X + 0.25, Y: src.Y, Type: fit.PointSource},
			OrigX:          src.X,
			OrigY:          src.Y,
			Flux:           map[string]float64{"r": float64(src.Index) + 1},
			FluxIvar:       map[string]float64{"r": 1},
			StartedInBlob:  true,
			FinishedInBlob: true,
		})
	}
	if f.afterFunc != nil && n == f.after {
		f.afterFunc()
	}
	return res, nil
}

func (f *recordingFitter) called() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type memStore struct {
	mu        sync.Mutex
	data      []byte
	flushes   int
	failFirst int
	failAll   bool
}

func (m *memStore) Load() []checkpoint.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	var recs []checkpoint.Record
	if err := json.Unmarshal(m.data, &recs); err != nil {
		panic(err)
	}
	return recs
}

func (m *memStore) Flush(records []checkpoint.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	if m.failAll || m.flushes <= m.failFirst {
		return errors.New("disk full")
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

func (m *memStore) seed(records ...checkpoint.Record) {
	data, err := json.Marshal(records)
	if err != nil {
		panic(err)
	}
	m.data = data
}

func newScheduler(fitter fit.Fitter, store Store, workers int, opts Options) *Scheduler {
	return &Scheduler{
		Pool:    workerpool.New(workers),
		Fitter:  fitter,
		Store:   store,
		Bands:   []string{"r"},
		Options: opts,
	}
}

func runAndMerge(t *testing.T, s *Scheduler, part *blobs.Partition, sources []fit.Source) (*Outcome, *FitResult) {
	t.Helper()
	outcome, err := s.Run(context.Background(), part, nil, sources)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	result, err := Merge(part, outcome, nil)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	return outcome, result
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func fittedRecord(t *testing.T, part *blobs.Partition, sources []fit.Source, id int) checkpoint.Record {
	t.Helper()
	f := &recordingFitter{}
	s := &Scheduler{Bands: []string{"r"}}
	res, err := f.Fit(context.Background(), s.task(part, id, nil, sources))
	if err != nil {
		t.Fatal(err)
	}
	return checkpoint.FromResult(part.Blobs[id], res)
}

func TestDispatchOrderIsLargestFirst(t *testing.T) {
	part, sources := stripPartition(t, 50, 500, 10, 200)
	fitter := &recordingFitter{}
	runAndMerge(t, newScheduler(fitter, nil, 1, Options{}), part, sources)

	var sizes []int
	for _, id := range fitter.called() {
		sizes = append(sizes, part.Blobs[id].NPix)
	}
	want := []int{500, 200, 50, 10}
	if len(sizes) != len(want) {
		t.Fatalf("dispatched %v", sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("dispatch order by size = %v, want %v", sizes, want)
		}
	}
}

func TestOrderBreaksTiesByID(t *testing.T) {
	part, _ := stripPartition(t, 5, 9, 5, 9)
	order := Order(part)
	want := []int{1, 3, 0, 2}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Order = %v, want %v", order, want)
		}
	}
}

func TestStaleCheckpointRecordIsRefit(t *testing.T) {
	part, sources := rectPartition(t, 30, 10,
		blobs.BBox{X0: 20, Y0: 0, X1: 22, Y1: 2},
		blobs.BBox{X0: 24, Y0: 0, X1: 26, Y1: 2},
		blobs.BBox{X0: 28, Y0: 0, X1: 30, Y1: 2},
		blobs.BBox{X0: 0, Y0: 0, X1: 12, Y1: 10},
	)
	stale := fittedRecord(t, part, sources, 3)
	stale.BBox = blobs.BBox{X0: 0, Y0: 0, X1: 10, Y1: 10}
	stale.NPix = 100
	fresh := fittedRecord(t, part, sources, 0)

	store := &memStore{}
	store.seed(stale, fresh)
	fitter := &recordingFitter{}
	outcome, _ := runAndMerge(t, newScheduler(fitter, store, 1, Options{}), part, sources)

	called := map[int]bool{}
	for _, id := range fitter.called() {
		called[id] = true
	}
	if !called[3] {
		t.Fatal("expected blob 3 to be refit after its bbox changed")
	}
	if called[0] {
		t.Fatal("blob 0 has a valid checkpoint record and must not be refit")
	}
	if outcome.Plan.Actions[3] != Dispatch || outcome.Plan.Actions[0] != SkipCheckpointed {
		t.Fatalf("unexpected plan %v", outcome.Plan.Actions)
	}
	if outcome.Report.Reused != 1 {
		t.Fatalf("expected one reused record, got %d", outcome.Report.Reused)
	}
}

func TestBailoutCompleteness(t *testing.T) {
	part, sources := rectPartition(t, 20, 10,
		blobs.BBox{X0: 0, Y0: 0, X1: 3, Y1: 3},
		blobs.BBox{X0: 5, Y0: 0, X1: 9, Y1: 2},
		blobs.BBox{X0: 0, Y0: 5, X1: 2, Y1: 8},
		blobs.BBox{X0: 10, Y0: 4, X1: 15, Y1: 9},
	)
	store := &memStore{}
	store.seed(fittedRecord(t, part, sources, 0), fittedRecord(t, part, sources, 2))
	fitter := &recordingFitter{}
	outcome, result := runAndMerge(t, newScheduler(fitter, store, 2, Options{BailOut: true}), part, sources)

	if calls := fitter.called(); len(calls) != 0 {
		t.Fatalf("bail-out must dispatch nothing, dispatched %v", calls)
	}
	if outcome.Report.Dispatched != 0 || outcome.Report.BailedOut != 2 {
		t.Fatalf("unexpected report %+v", outcome.Report)
	}
	for y := 0; y < part.Height; y++ {
		for x := 0; x < part.Width; x++ {
			id := part.Raster.At(x, y)
			want := id == 1 || id == 3
			if result.BailoutMask.Get(x, y) != want {
				t.Fatalf("bailout mask at (%d,%d) = %v, want %v (blob %d)", x, y, !want, want, id)
			}
		}
	}
	if len(result.Sources) != 2 || result.Sources[0].OrigBlob != 0 || result.Sources[1].OrigBlob != 2 {
		t.Fatalf("expected only checkpointed blobs in the catalog, got %+v", result.Sources)
	}
}

func TestOutsideUniqueAreaIsNeverDispatched(t *testing.T) {
	part, sources := rectPartition(t, 40, 4,
		blobs.BBox{X0: 0, Y0: 0, X1: 2, Y1: 2},
		blobs.BBox{X0: 4, Y0: 0, X1: 6, Y1: 2},
		blobs.BBox{X0: 8, Y0: 0, X1: 12, Y1: 2},
		blobs.BBox{X0: 14, Y0: 0, X1: 16, Y1: 2},
		blobs.BBox{X0: 18, Y0: 0, X1: 20, Y1: 2},
		blobs.BBox{X0: 30, Y0: 0, X1: 38, Y1: 4},
	)
	unique := brick.AreaFunc(func(x, y int) bool { return x < 25 })
	fitter := &recordingFitter{}
	outcome, result := runAndMerge(t, newScheduler(fitter, nil, 3, Options{Unique: unique}), part, sources)

	for _, id := range fitter.called() {
		if id == 5 {
			t.Fatal("blob 5 lies outside the unique area and must not be dispatched")
		}
	}
	if outcome.Plan.Actions[5] != SkipOutsideUnique {
		t.Fatalf("expected outside-unique decision, got %s", outcome.Plan.Actions[5])
	}
	for _, src := range result.Sources {
		if src.OrigBlob == 5 {
			t.Fatal("blob 5 contributed a source")
		}
	}
	if len(result.OutsideUnique) != 1 || result.OutsideUnique[0] != 5 {
		t.Fatalf("unexpected outside list %v", result.OutsideUnique)
	}
	if result.BailoutMask.Count() != 0 {
		t.Fatal("outside-unique blobs are not bailed out")
	}
}

func TestOutsideUniqueTakesPriorityOverCheckpoint(t *testing.T) {
	part, sources := rectPartition(t, 10, 2, blobs.BBox{X0: 6, Y0: 0, X1: 8, Y1: 2})
	plan := MakePlan(part, []checkpoint.Record{fittedRecord(t, part, sources, 0)}, Options{
		Unique:      brick.AreaFunc(func(x, y int) bool { return x < 5 }),
		MaxBlobsize: 1,
		BailOut:     true,
	})
	if plan.Actions[0] != SkipOutsideUnique {
		t.Fatalf("expected outside-unique to win, got %s", plan.Actions[0])
	}
}

func TestOversizedBlobsHitLimit(t *testing.T) {
	part, sources := stripPartition(t, 4, 30, 6)
	fitter := &recordingFitter{}
	outcome, result := runAndMerge(t, newScheduler(fitter, nil, 1, Options{MaxBlobsize: 10}), part, sources)
	if outcome.Plan.Actions[1] != SkipOversized {
		t.Fatalf("expected blob 1 oversized, got %s", outcome.Plan.Actions[1])
	}
	if len(result.HitLimit) != 1 || result.HitLimit[0] != 1 {
		t.Fatalf("unexpected hit limit %v", result.HitLimit)
	}
	if result.NBlobs != 2 || result.Raster.At(0, 2) != blobs.NoBlob || result.Raster.At(0, 4) != 1 {
		t.Fatal("expected surviving blobs to be renumbered contiguously")
	}
}

func TestResumeEquivalence(t *testing.T) {
	part, sources := stripPartition(t, 12, 40, 7, 25, 3, 18)
	_, want := runAndMerge(t, newScheduler(&recordingFitter{}, nil, 1, Options{}), part, sources)
	wantJSON := mustJSON(t, want)

	for k := 0; k <= part.Len(); k++ {
		store := &memStore{}
		bail := NewBailout(time.Time{}, nil)
		first := &recordingFitter{after: k, afterFunc: bail.Request}
		if k == 0 {
			bail.Request()
		}
		outcome, err := newScheduler(first, store, 1, Options{Bailout: bail}).Run(context.Background(), part, nil, sources)
		if err != nil {
			t.Fatalf("split %d: first run: %v", k, err)
		}
		if got := len(first.called()); got != k {
			t.Fatalf("split %d: first run fit %d blobs", k, got)
		}
		if outcome.Report.BailedOut != part.Len()-k {
			t.Fatalf("split %d: expected %d bailed out, got %d", k, part.Len()-k, outcome.Report.BailedOut)
		}

		second := &recordingFitter{}
		_, got := runAndMerge(t, newScheduler(second, store, 1, Options{}), part, sources)
		if len(second.called()) != part.Len()-k {
			t.Fatalf("split %d: second run refit %d blobs", k, len(second.called()))
		}
		if gotJSON := mustJSON(t, got); gotJSON != wantJSON {
			t.Fatalf("split %d: resumed result differs\n got %s\nwant %s", k, gotJSON, wantJSON)
		}
	}
}

func TestBlobOrderIndependence(t *testing.T) {
	part, sources := stripPartition(t, 9, 14, 2, 30, 5, 21, 8, 11)
	_, want := runAndMerge(t, newScheduler(&recordingFitter{}, nil, 1, Options{}), part, sources)
	wantJSON := mustJSON(t, want)

	for trial := 0; trial < 5; trial++ {
		_, got := runAndMerge(t, newScheduler(&recordingFitter{jitter: true}, nil, 4, Options{}), part, sources)
		if gotJSON := mustJSON(t, got); gotJSON != wantJSON {
			t.Fatalf("trial %d: completion order changed the merged result", trial)
		}
	}

	outcome, err := newScheduler(&recordingFitter{}, nil, 1, Options{}).Run(context.Background(), part, nil, sources)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := *outcome
		shuffled.Records = append([]checkpoint.Record(nil), outcome.Records...)
		rng.Shuffle(len(shuffled.Records), func(i, j int) {
			shuffled.Records[i], shuffled.Records[j] = shuffled.Records[j], shuffled.Records[i]
		})
		got, err := Merge(part, &shuffled, nil)
		if err != nil {
			t.Fatal(err)
		}
		if mustJSON(t, got) != wantJSON {
			t.Fatalf("record permutation %d changed the merged result", trial)
		}
	}
}

func TestAbortPolicyStopsAndFlushes(t *testing.T) {
	part, sources := stripPartition(t, 40, 30, 20, 10)
	boom := errors.New("optimizer diverged")
	fitter := &recordingFitter{fail: map[int]error{2: boom}}
	store := &memStore{}
	_, err := newScheduler(fitter, store, 1, Options{OnBlobError: Abort}).Run(context.Background(), part, nil, sources)

	var fitErr *pipeerr.BlobFitError
	if !errors.As(err, &fitErr) || fitErr.BlobID != 2 {
		t.Fatalf("expected blob 2 fit failure, got %v", err)
	}
	if !errors.Is(err, pipeerr.ErrBlobFit) || !errors.Is(err, boom) {
		t.Fatalf("expected both marker and cause, got %v", err)
	}
	saved := map[int]checkpoint.Status{}
	for _, rec := range store.Load() {
		saved[rec.BlobID] = rec.Status
	}
	if saved[0] != checkpoint.StatusFitted || saved[1] != checkpoint.StatusFitted {
		t.Fatalf("expected blobs finished before the failure to be checkpointed, got %v", saved)
	}
}

func TestSkipAndRecordPolicyContinues(t *testing.T) {
	part, sources := stripPartition(t, 40, 30, 20, 10)
	fitter := &recordingFitter{fail: map[int]error{1: errors.New("bad pixels")}}
	outcome, result := runAndMerge(t, newScheduler(fitter, &memStore{}, 2, Options{OnBlobError: SkipAndRecord}), part, sources)

	if outcome.Report.Failed != 1 || outcome.Report.Fitted != 3 {
		t.Fatalf("unexpected report %+v", outcome.Report)
	}
	if len(result.Failed) != 1 || result.Failed[0] != 1 {
		t.Fatalf("unexpected failed list %v", result.Failed)
	}
	for _, src := range result.Sources {
		if src.OrigBlob == 1 {
			t.Fatal("failed blob contributed sources")
		}
	}
	if result.NBlobs != 3 {
		t.Fatalf("expected 3 surviving blobs, got %d", result.NBlobs)
	}
}

func TestFlushFailuresAreRetried(t *testing.T) {
	part, sources := stripPartition(t, 3, 2, 1)
	store := &memStore{failFirst: 1}
	outcome, err := newScheduler(&recordingFitter{}, store, 1, Options{CheckpointPeriod: 0}).Run(context.Background(), part, nil, sources)
	if err != nil {
		t.Fatalf("a failed cadence flush must not abort the run: %v", err)
	}
	if outcome.Report.FlushErrors != 1 || outcome.Report.Flushes < 3 {
		t.Fatalf("unexpected flush counters %+v", outcome.Report)
	}
	fitted := 0
	for _, rec := range store.Load() {
		if rec.Status == checkpoint.StatusFitted {
			fitted++
		}
	}
	if fitted != 3 {
		t.Fatalf("expected final checkpoint to hold 3 fitted blobs, got %d", fitted)
	}
}

func TestFinalFlushFailureIsReturned(t *testing.T) {
	part, sources := stripPartition(t, 3)
	_, err := newScheduler(&recordingFitter{}, &memStore{failAll: true}, 1, Options{CheckpointPeriod: time.Hour}).
		Run(context.Background(), part, nil, sources)
	if err == nil {
		t.Fatal("expected final flush failure to be reported")
	}
}

func TestMergeDropsMigratedSources(t *testing.T) {
	part, _ := stripPartition(t, 5, 4)
	mk := func(id int, migrated bool) checkpoint.Record {
		res := fit.BlobResult{BlobID: id, Sources: []fit.SourceFit{
			{Source: fit.Source{Index: id}, StartedInBlob: true, FinishedInBlob: !migrated},
		}}
		return checkpoint.FromResult(part.Blobs[id], res)
	}
	outcome := &Outcome{
		Plan:    Plan{Order: []int{0, 1}, Actions: []Action{Dispatch, Dispatch}},
		Records: []checkpoint.Record{mk(1, false), mk(0, true)},
	}
	result, err := Merge(part, outcome, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Migrated != 1 || len(result.Sources) != 1 {
		t.Fatalf("expected one migrated source dropped, got %+v", result)
	}
	src := result.Sources[0]
	if src.OrigBlob != 1 || src.Blob != 0 || src.ObjID != 0 || src.NInBlob != 1 {
		t.Fatalf("unexpected renumbering %+v", src)
	}
	if result.Raster.At(0, 0) != blobs.NoBlob || result.Raster.At(0, 2) != 0 {
		t.Fatal("raster must drop the emptied blob and renumber the survivor")
	}
}

func TestMergeWithNothingLeftIsNothingToDo(t *testing.T) {
	part, _ := stripPartition(t, 5)
	outcome := &Outcome{
		Plan:    Plan{Order: []int{0}, Actions: []Action{Dispatch}},
		Records: []checkpoint.Record{checkpoint.FromResult(part.Blobs[0], fit.BlobResult{BlobID: 0})},
	}
	if _, err := Merge(part, outcome, nil); !errors.Is(err, pipeerr.ErrNothingToDo) {
		t.Fatalf("expected nothing-to-do, got %v", err)
	}
}

func TestDeadlineClosesGate(t *testing.T) {
	part, sources := stripPartition(t, 4, 3)
	past := time.Unix(0, 0)
	bail := NewBailout(past, func() time.Time { return past.Add(time.Second) })
	fitter := &recordingFitter{}
	outcome, err := newScheduler(fitter, nil, 1, Options{Bailout: bail}).Run(context.Background(), part, nil, sources)
	if err != nil {
		t.Fatal(err)
	}
	if len(fitter.called()) != 0 || outcome.Report.BailedOut != 2 {
		t.Fatalf("expected a passed deadline to stop all dispatch, report %+v", outcome.Report)
	}
	if bail.Reason() != "deadline reached" {
		t.Fatalf("unexpected reason %q", bail.Reason())
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": Abort, "abort": Abort, "SKIP": SkipAndRecord} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); !errors.Is(err, pipeerr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestMismatchedSourcesAreRejected(t *testing.T) {
	part, sources := stripPartition(t, 4, 3)
	fitter := &recordingFitter{}
	_, err := newScheduler(fitter, nil, 1, Options{}).Run(context.Background(), part, nil, sources[:1])
	if !errors.Is(err, pipeerr.ErrStage) {
		t.Fatalf("err = %v, want stage error", err)
	}
	if got := fitter.called(); len(got) != 0 {
		t.Fatalf("fitted %v with a truncated catalog", got)
	}
}
