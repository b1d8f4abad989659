package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/brickstages"
	"legacypipe/internal/checkpoint"
	"legacypipe/internal/config"
	"legacypipe/internal/fileutil"
	"legacypipe/internal/imagery"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/preflight"
	"legacypipe/internal/runctx"
	"legacypipe/internal/scheduler"
	"legacypipe/internal/stagecache"
	"legacypipe/internal/workerpool"
)

type runFlags struct {
	brick            string
	radec            []float64
	width            int
	height           int
	pixscale         float64
	stages           []string
	forceStages      []string
	forceAll         bool
	noWrite          bool
	writeStages      []string
	checkpoint       string
	checkpointPeriod time.Duration
	threads          int
	bailOut          bool
	deadline         time.Duration
	maxBlobsize      int
	onBlobError      string
	blob             int
	nblobs           int
	blobIDs          []int
	blobXY           []string
	blobRaDec        []string
	surveyDir        string
	outDir           string
	skip             bool
	jsonOut          bool
}

type runSummary struct {
	RunID    string               `json:"run_id"`
	Brick    string               `json:"brick"`
	Stages   []stageSummary       `json:"stages"`
	Fitting  *scheduler.Report    `json:"fitting,omitempty"`
	Catalog  *brickstages.Catalog `json:"catalog,omitempty"`
	Duration string               `json:"duration"`
}

type stageSummary struct {
	Stage    string `json:"stage"`
	Action   string `json:"action"`
	Duration string `json:"duration"`
	Written  bool   `json:"written"`
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reduce one brick",
		Long: `Run the reduction stages for one brick.

Select the brick by survey name with --brick, or build a custom brick centered
on --radec RA,DEC. Stages already in the stage cache are not recomputed unless
forced. Send SIGUSR1 during blob fitting to stop dispatching new blobs and
finish with what has been fitted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg, &flags); err != nil {
				return err
			}
			return executeRun(cmd, cfg, &flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.brick, "brick", "", "Survey brick name, e.g. 1498p017")
	f.Float64SliceVar(&flags.radec, "radec", nil, "Center a custom brick at RA,DEC (degrees)")
	f.IntVar(&flags.width, "width", 0, "Custom brick width in pixels")
	f.IntVar(&flags.height, "height", 0, "Custom brick height in pixels")
	f.Float64Var(&flags.pixscale, "pixscale", 0, "Pixel scale in arcsec/pixel")
	f.StringArrayVar(&flags.stages, "stage", nil, "Stage to run (repeatable; default writecat)")
	f.StringArrayVar(&flags.forceStages, "force-stage", nil, "Ignore the cached output of this stage (repeatable)")
	f.BoolVar(&flags.forceAll, "force-all", false, "Ignore every cached stage")
	f.BoolVar(&flags.noWrite, "no-write", false, "Do not write stage outputs to the cache")
	f.StringArrayVar(&flags.writeStages, "write-stage", nil, "Only cache this stage's output (repeatable)")
	f.StringVar(&flags.checkpoint, "checkpoint", "", "Blob checkpoint file")
	f.DurationVar(&flags.checkpointPeriod, "checkpoint-period", 0, "Minimum time between checkpoint writes")
	f.IntVar(&flags.threads, "threads", 0, "Worker count (0 uses every CPU)")
	f.BoolVar(&flags.bailOut, "bail-out", false, "Fit nothing new; finish from the checkpoint")
	f.DurationVar(&flags.deadline, "deadline", 0, "Stop dispatching blobs after this long")
	f.IntVar(&flags.maxBlobsize, "max-blobsize", 0, "Skip blobs with more pixels than this")
	f.StringVar(&flags.onBlobError, "on-blob-error", "", "What to do when a blob fit fails: abort or skip")
	f.IntVar(&flags.blob, "blob", 0, "First blob to fit (debugging)")
	f.IntVar(&flags.nblobs, "nblobs", 0, "Number of blobs to fit (debugging)")
	f.IntSliceVar(&flags.blobIDs, "blobid", nil, "Fit only these blob ids (debugging)")
	f.StringArrayVar(&flags.blobXY, "blobxy", nil, "Fit only the blob containing pixel X,Y (repeatable)")
	f.StringArrayVar(&flags.blobRaDec, "blobradec", nil, "Fit only the blob containing RA,DEC (repeatable)")
	f.StringVar(&flags.surveyDir, "survey-dir", "", "Override paths.survey_dir")
	f.StringVar(&flags.outDir, "outdir", "", "Override paths.output_dir")
	f.BoolVar(&flags.skip, "skip", false, "Exit successfully if the brick's catalog already exists")
	f.BoolVar(&flags.jsonOut, "json", false, "Print the run summary as JSON")

	return cmd
}

// applyRunFlags overlays explicitly set flags on cfg and re-validates it.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags *runFlags) error {
	changed := cmd.Flags().Changed
	if changed("outdir") {
		cfg.Paths.OutputDir = flags.outDir
	}
	if changed("survey-dir") {
		cfg.Paths.SurveyDir = flags.surveyDir
	}
	if changed("width") {
		cfg.Brick.Width = flags.width
	}
	if changed("height") {
		cfg.Brick.Height = flags.height
	}
	if changed("pixscale") {
		cfg.Brick.PixScale = flags.pixscale
	}
	if changed("stage") {
		cfg.Pipeline.Stages = flags.stages
	}
	if changed("force-stage") {
		cfg.Pipeline.ForceStages = flags.forceStages
	}
	if changed("force-all") {
		cfg.Pipeline.ForceAll = flags.forceAll
	}
	if changed("no-write") && flags.noWrite {
		cfg.Pipeline.WriteCache = false
	}
	if changed("write-stage") {
		cfg.Pipeline.WriteStages = flags.writeStages
	}
	if changed("checkpoint") {
		cfg.Fitting.Checkpoint = flags.checkpoint
	}
	if changed("checkpoint-period") {
		cfg.Fitting.CheckpointPeriod = int(flags.checkpointPeriod / time.Second)
	}
	if changed("threads") {
		cfg.Fitting.Threads = flags.threads
	}
	if changed("bail-out") {
		cfg.Fitting.BailOut = flags.bailOut
	}
	if changed("deadline") {
		cfg.Fitting.DeadlineSeconds = int(flags.deadline / time.Second)
	}
	if changed("max-blobsize") {
		cfg.Fitting.MaxBlobsize = flags.maxBlobsize
	}
	if changed("on-blob-error") {
		cfg.Fitting.OnBlobError = flags.onBlobError
	}
	if err := cfg.Finalize(); err != nil {
		return pipeerr.Configf("%v", err)
	}
	if cfg.Fitting.Checkpoint != "" {
		expanded, err := config.ExpandPath(cfg.Fitting.Checkpoint)
		if err != nil {
			return pipeerr.Configf("checkpoint path: %v", err)
		}
		cfg.Fitting.Checkpoint = expanded
		if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	return cfg.EnsureDirectories()
}

func executeRun(cmd *cobra.Command, cfg *config.Config, flags *runFlags) error {
	started := time.Now()
	b, err := resolveBrick(cfg, flags)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if flags.skip {
		if path := brickstages.CatalogPath(cfg.Paths.OutputDir, b.Name); fileutil.Exists(path) {
			fmt.Fprintf(out, "Catalog %s exists; skipping brick %s\n", path, b.Name)
			return nil
		}
	}
	selection, err := parseSelection(flags)
	if err != nil {
		return err
	}
	if failed := preflight.Failed(preflight.RunAll(cfg)); len(failed) > 0 {
		msgs := make([]string, 0, len(failed))
		for _, r := range failed {
			msgs = append(msgs, r.Name+": "+r.Detail)
		}
		return pipeerr.Configf("preflight failed: %s", strings.Join(msgs, "; "))
	}

	baseLogger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return pipeerr.Configf("%v", err)
	}
	rc := pipeline.NewRunContext(b.Name, baseLogger)
	rc.Deadline = cfg.Deadline(started)

	runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = runctx.WithBrick(runctx.WithRunID(runCtx, rc.RunID), b.Name)
	logger := logging.WithContext(runCtx, baseLogger)
	rc.Logger = logger

	bailout := scheduler.NewBailout(rc.Deadline, time.Now)
	stopSignals := watchBailoutSignal(bailout, logger)
	defer stopSignals()

	cache, err := stagecache.Open(cfg.StageCachePath())
	if err != nil {
		return err
	}
	defer cache.Close()

	env := brickstages.Env{
		Loader:  imagery.DirLoader{Dir: cfg.Paths.SurveyDir, Bands: cfg.Brick.Bands, Logger: logger},
		Pool:    workerpool.New(cfg.Fitting.Threads),
		Bailout: bailout,
	}
	if cfg.Fitting.Checkpoint != "" {
		store, err := checkpoint.Open(cfg.Fitting.Checkpoint, b.Name, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		env.Checkpoint = store
	}

	params := brickstages.ParamsFromConfig(cfg)
	params.Selection = selection
	initial, err := brickstages.Initial(b, params)
	if err != nil {
		return err
	}
	runner, err := pipeline.New(brickstages.Stages(env, cfg.Pipeline), initial, pipeline.Options{
		Prereqs:     brickstages.Prereqs(cfg.Pipeline),
		Force:       cfg.Pipeline.ForceStages,
		ForceAll:    cfg.Pipeline.ForceAll,
		WriteStages: cfg.Pipeline.WriteStages,
		NoWrite:     !cfg.Pipeline.WriteCache,
		Cache:       cache,
	})
	if err != nil {
		return err
	}

	logger.Info("brick run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Any("stages", cfg.Pipeline.Stages),
		logging.Int("width", b.Width),
		logging.Int("height", b.Height),
	)
	var last pipeline.Values
	for _, stage := range cfg.Pipeline.Stages {
		last, err = runner.Run(runCtx, rc, stage)
		if err != nil {
			if errors.Is(err, pipeerr.ErrNothingToDo) {
				logger.Info("brick has nothing to do",
					logging.String(logging.FieldEventType, "run_nothing_to_do"),
					logging.String("reason", err.Error()),
				)
			}
			return err
		}
	}

	summary := summarize(rc, b, runner.Events(), last, time.Since(started))
	logger.Info("brick run completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Duration("run_duration", time.Since(started)),
	)
	if flags.jsonOut {
		return writeJSON(cmd, summary)
	}
	printSummary(cmd, summary)
	return nil
}

func resolveBrick(cfg *config.Config, flags *runFlags) (brick.Brick, error) {
	hasName := strings.TrimSpace(flags.brick) != ""
	hasRaDec := len(flags.radec) > 0
	switch {
	case hasName && hasRaDec:
		return brick.Brick{}, pipeerr.Configf("only one of --brick and --radec may be given")
	case hasRaDec:
		if len(flags.radec) != 2 {
			return brick.Brick{}, pipeerr.Configf("--radec needs exactly two values, got %d", len(flags.radec))
		}
		return brick.Custom(flags.radec[0], flags.radec[1], cfg.Brick.Width, cfg.Brick.Height, cfg.Brick.PixScale)
	case hasName:
		registry, err := brick.LoadRegistry(cfg.Paths.BricksFile)
		if err != nil {
			return brick.Brick{}, err
		}
		b, err := registry.Lookup(strings.TrimSpace(flags.brick))
		if err != nil {
			return brick.Brick{}, err
		}
		return b.WithDefaults(cfg.Brick.Width, cfg.Brick.Height, cfg.Brick.PixScale), nil
	default:
		return brick.Brick{}, pipeerr.Configf("one of --brick or --radec is required")
	}
}

func parseSelection(flags *runFlags) (blobs.Selection, error) {
	sel := blobs.Selection{
		IDs:   append([]int(nil), flags.blobIDs...),
		First: flags.blob,
		Count: flags.nblobs,
	}
	if flags.blob < 0 || flags.nblobs < 0 {
		return sel, pipeerr.Configf("--blob and --nblobs must not be negative")
	}
	for _, v := range flags.blobXY {
		x, y, err := parsePair(v, "--blobxy")
		if err != nil {
			return sel, err
		}
		sel.Pixels = append(sel.Pixels, [2]int{int(x), int(y)})
	}
	for _, v := range flags.blobRaDec {
		ra, dec, err := parsePair(v, "--blobradec")
		if err != nil {
			return sel, err
		}
		sel.Sky = append(sel.Sky, [2]float64{ra, dec})
	}
	return sel, nil
}

func parsePair(value, flag string) (float64, float64, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, pipeerr.Configf("%s expects two comma-separated values, got %q", flag, value)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, pipeerr.Configf("%s: %v", flag, err)
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, pipeerr.Configf("%s: %v", flag, err)
	}
	return a, b, nil
}

// watchBailoutSignal requests a bailout on SIGUSR1 until the returned stop
// function is called.
func watchBailoutSignal(bailout *scheduler.Bailout, logger *slog.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				bailout.Request()
				logging.WarnWithContext(logger, "bailout requested; no further blobs will be dispatched", "bailout_requested",
					logging.String(logging.FieldImpact, "remaining blobs are recorded as bailed out"),
					logging.String(logging.FieldErrorHint, "rerun with the same checkpoint to fit them"),
				)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func summarize(rc *pipeline.RunContext, b brick.Brick, events []pipeline.Event, last pipeline.Values, elapsed time.Duration) runSummary {
	summary := runSummary{
		RunID:    rc.RunID,
		Brick:    b.Name,
		Duration: elapsed.Round(time.Millisecond).String(),
	}
	for _, ev := range events {
		summary.Stages = append(summary.Stages, stageSummary{
			Stage:    ev.Stage,
			Action:   string(ev.Action),
			Duration: ev.Duration.Round(time.Millisecond).String(),
			Written:  ev.Written,
		})
	}
	if report, err := pipeline.Lookup(last, brickstages.FitReportKey); err == nil {
		summary.Fitting = &report
	}
	if cat, err := pipeline.Lookup(last, brickstages.CatalogKey); err == nil {
		summary.Catalog = &cat
	}
	return summary
}

func printSummary(cmd *cobra.Command, summary runSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Brick %s (run %s) finished in %s\n", summary.Brick, summary.RunID, summary.Duration)
	rows := make([][]string, 0, len(summary.Stages))
	for _, st := range summary.Stages {
		rows = append(rows, []string{stageLabel(st.Stage), st.Action, st.Duration, yesNo(st.Written)})
	}
	fmt.Fprintln(out, renderTable([]column{left("Stage"), left("Action"), numeric("Duration"), left("Cached")}, rows))
	if r := summary.Fitting; r != nil {
		fmt.Fprintf(out, "Blobs: %d total, %d fitted, %d reused, %d outside unique area, %d oversized, %d bailed out, %d failed\n",
			r.Blobs, r.Fitted, r.Reused, r.OutsideUnique, r.Oversized, r.BailedOut, r.Failed)
	}
	if c := summary.Catalog; c != nil {
		fmt.Fprintf(out, "Catalog: %s (%d sources)\n", c.Path, c.Rows)
	}
}
