package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/checkpoint"
	"legacypipe/internal/fit"
	"legacypipe/internal/imagery"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/runctx"
	"legacypipe/internal/workerpool"
)

// Store is the checkpoint persistence the scheduler needs.
type Store interface {
	Load() []checkpoint.Record
	Flush(records []checkpoint.Record) error
}

// Options tunes one fitting pass.
type Options struct {
	// MaxBlobsize skips blobs with more pixels; zero disables the ceiling.
	MaxBlobsize int
	// BailOut skips every blob not answered by the checkpoint.
	BailOut bool
	// Bailout closes the dispatch gate when it becomes active.
	Bailout          *Bailout
	CheckpointPeriod time.Duration
	OnBlobError      Policy
	// Unique restricts fitting to blobs touching the brick's unique area.
	Unique brick.Area
	Now    func() time.Time
}

// Scheduler fits the blobs of a partition.
type Scheduler struct {
	Pool   *workerpool.Pool
	Fitter fit.Fitter
	// Store may be nil, in which case nothing is loaded or flushed.
	Store  Store
	Bands  []string
	Logger *slog.Logger
	Options
}

// Report counts what happened to every blob.
type Report struct {
	Blobs         int `json:"blobs"`
	Dispatched    int `json:"dispatched"`
	Fitted        int `json:"fitted"`
	Reused        int `json:"reused"`
	OutsideUnique int `json:"outside_unique"`
	Oversized     int `json:"oversized"`
	BailedOut     int `json:"bailed_out"`
	Failed        int `json:"failed"`
	Flushes       int `json:"flushes"`
	FlushErrors   int `json:"flush_errors"`
}

// Outcome is the state left after collection, before merging.
type Outcome struct {
	Plan    Plan
	Records []checkpoint.Record
	Report  Report
}

type fitted struct {
	blobID int
	result fit.BlobResult
}

// Run fits every dispatchable blob of part. exposures supply the pixels and
// sources is the brick-wide candidate list indexed by blobs.Blob.Sources.
func (s *Scheduler) Run(ctx context.Context, part *blobs.Partition, exposures []imagery.Exposure, sources []fit.Source) (*Outcome, error) {
	logger := logging.WithContext(ctx, logging.NewComponentLogger(s.Logger, "scheduler"))
	now := s.Now
	if now == nil {
		now = time.Now
	}
	if err := checkSources(part, sources); err != nil {
		return nil, pipeerr.Wrap(pipeerr.ErrStage, "scheduler", "build tasks", "blob sources", err)
	}

	var records []checkpoint.Record
	if s.Store != nil {
		records = checkpoint.Validate(s.Store.Load(), part, logger)
	}
	plan := MakePlan(part, records, s.Options)
	dispatch := plan.Dispatched()
	report := Report{
		Blobs:         part.Len(),
		Reused:        plan.Count(SkipCheckpointed),
		OutsideUnique: plan.Count(SkipOutsideUnique),
		Oversized:     plan.Count(SkipOversized),
		BailedOut:     plan.Count(SkipBailedOut),
	}
	for _, id := range plan.Order {
		blob := part.Blobs[id]
		switch plan.Actions[id] {
		case SkipOutsideUnique:
			attrs := append([]logging.Attr{logging.Int(logging.FieldBlobID, id)},
				logging.DecisionAttrs("blob_skip", "skip", "outside_unique")...)
			logger.Debug("blob is completely outside the unique area", logging.Args(attrs...)...)
			records = append(records, checkpoint.Placeholder(blob, string(SkipOutsideUnique)))
		case SkipOversized:
			attrs := append([]logging.Attr{
				logging.Int(logging.FieldBlobID, id),
				logging.Int("npix", blob.NPix),
				logging.Int("max_blobsize", s.MaxBlobsize),
			}, logging.DecisionAttrs("blob_skip", "skip", "oversized")...)
			logger.Info("blob exceeds max blobsize", logging.Args(attrs...)...)
			records = append(records, checkpoint.Placeholder(blob, string(SkipOversized)))
		}
	}
	logger.Info("blob fitting started",
		logging.Int("blobs", report.Blobs),
		logging.Int("dispatch", len(dispatch)),
		logging.Int("reused", report.Reused),
		logging.Int("outside_unique", report.OutsideUnique),
		logging.Int("oversized", report.Oversized),
		logging.Int("bailed_out", report.BailedOut),
		logging.String(logging.FieldEventType, "fit_start"),
	)

	orderOf := make(map[int]int, len(dispatch))
	for i, id := range dispatch {
		orderOf[id] = i
	}
	gate := func() bool { return !s.Bailout.Active() }
	it := workerpool.Unordered(ctx, s.Pool, dispatch, func(ctx context.Context, id int) (fitted, error) {
		task := s.task(part, id, exposures, sources)
		task.Order = orderOf[id]
		res, err := s.Fitter.Fit(ctx, task)
		if err != nil {
			return fitted{}, err
		}
		res.BlobID = id
		return fitted{blobID: id, result: res}, nil
	}, workerpool.WithGate(gate))
	defer it.Close()

	cadence := checkpoint.NewCadence(s.CheckpointPeriod, now)
	pending := 0
	flush := func(final bool) error {
		if s.Store == nil {
			return nil
		}
		if err := s.Store.Flush(records); err != nil {
			report.FlushErrors++
			if final {
				return err
			}
			logging.WarnWithContext(logger, "checkpoint flush failed; will retry", "checkpoint_flush_failed",
				logging.Error(err),
				logging.Int("pending", pending),
				logging.String(logging.FieldImpact, "unsaved blobs are refit if the run dies before the next flush"),
			)
			return nil
		}
		report.Flushes++
		cadence.Mark()
		pending = 0
		return nil
	}

	var fitErr error
collect:
	for {
		res, err := it.Next(cadence.Remaining())
		var itemErr *workerpool.ItemError
		switch {
		case errors.Is(err, workerpool.ErrDone):
			break collect
		case errors.Is(err, workerpool.ErrTimeout):
		case errors.As(err, &itemErr):
			id := dispatch[itemErr.Index]
			report.Failed++
			blobLogger := logging.WithContext(runctx.WithBlobID(ctx, id), logging.NewComponentLogger(s.Logger, "scheduler"))
			logging.ErrorWithContext(blobLogger, "blob fit failed", "blob_fit_failed",
				logging.Error(itemErr.Err),
				logging.String("bbox", part.Blobs[id].BBox.String()),
				logging.Int("nsources", len(part.Blobs[id].Sources)),
				logging.String("policy", s.OnBlobError.String()),
				logging.String(logging.FieldErrorHint, "rerun with --blobid to reproduce"),
			)
			plan.Actions[id] = Failed
			if s.OnBlobError == Abort {
				fitErr = &pipeerr.BlobFitError{BlobID: id, Err: itemErr.Err}
				break collect
			}
			records = append(records, checkpoint.Placeholder(part.Blobs[id], string(Failed)))
		case err != nil:
			return nil, err
		default:
			report.Fitted++
			records = append(records, checkpoint.FromResult(part.Blobs[res.Value.blobID], res.Value.result))
			pending++
		}
		if cadence.Due(pending) {
			if err := flush(false); err != nil {
				return nil, err
			}
		}
	}

	if fitErr != nil {
		// keep whatever finished while the failure was being handled
		it.Close()
		for {
			res, err := it.Next(0)
			if errors.Is(err, workerpool.ErrDone) {
				break
			}
			if err == nil {
				report.Fitted++
				records = append(records, checkpoint.FromResult(part.Blobs[res.Value.blobID], res.Value.result))
			}
		}
		if err := flush(true); err != nil {
			logging.ErrorWithContext(logger, "final checkpoint flush failed", "checkpoint_flush_failed", logging.Error(err))
		}
		return nil, fitErr
	}

	if err := ctx.Err(); err != nil {
		if flushErr := flush(true); flushErr != nil {
			logging.ErrorWithContext(logger, "final checkpoint flush failed", "checkpoint_flush_failed", logging.Error(flushErr))
		}
		return nil, err
	}

	for _, idx := range it.Undispatched() {
		id := dispatch[idx]
		plan.Actions[id] = SkipBailedOut
		report.BailedOut++
	}
	if n := len(it.Undispatched()); n > 0 {
		logging.WarnWithContext(logger, "bailing out of blob fitting", "fit_bailout",
			logging.String("reason", s.Bailout.Reason()),
			logging.Int("undispatched", n),
			logging.String(logging.FieldImpact, "bailed-out blobs are flagged in the maskbits product"),
			logging.String(logging.FieldErrorHint, "rerun with the same checkpoint to finish the remaining blobs"),
		)
	}
	for _, id := range plan.Order {
		if plan.Actions[id] == SkipBailedOut {
			records = append(records, checkpoint.Placeholder(part.Blobs[id], string(SkipBailedOut)))
		}
	}
	report.Dispatched = len(dispatch) - len(it.Undispatched())

	if err := flush(true); err != nil {
		return nil, pipeerr.Wrap(pipeerr.ErrStage, "scheduler", "final checkpoint flush", "", err)
	}
	logger.Info("blob fitting completed",
		logging.Int("fitted", report.Fitted),
		logging.Int("reused", report.Reused),
		logging.Int("failed", report.Failed),
		logging.Int("bailed_out", report.BailedOut),
		logging.Int("flushes", report.Flushes),
		logging.String(logging.FieldEventType, "fit_complete"),
	)
	return &Outcome{Plan: plan, Records: records, Report: report}, nil
}

// task packages one blob with private copies of its pixels.
func (s *Scheduler) task(part *blobs.Partition, id int, exposures []imagery.Exposure, sources []fit.Source) fit.Task {
	blob := part.Blobs[id]
	task := fit.Task{
		BlobID: id,
		BBox:   blob.BBox,
		Mask:   blob.Mask.Clone(),
		Images: imagery.CropAll(exposures, blob.BBox),
		Bands:  append([]string(nil), s.Bands...),
	}
	for _, idx := range blob.Sources {
		task.Sources = append(task.Sources, sources[idx])
	}
	return task
}

// checkSources reports a blob that names a source missing from the catalog.
func checkSources(part *blobs.Partition, sources []fit.Source) error {
	for _, blob := range part.Blobs {
		for _, idx := range blob.Sources {
			if idx < 0 || idx >= len(sources) {
				return fmt.Errorf("blob %d references source %d of %d", blob.ID, idx, len(sources))
			}
		}
	}
	return nil
}
