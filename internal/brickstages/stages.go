package brickstages

import (
	"time"

	"legacypipe/internal/brick"
	"legacypipe/internal/config"
	"legacypipe/internal/detect"
	"legacypipe/internal/fit"
	"legacypipe/internal/imagery"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/scheduler"
	"legacypipe/internal/workerpool"
)

// Env holds the collaborators the stages use.
type Env struct {
	Loader imagery.Loader
	// Detector and Fitter default to the threshold detector and moment
	// fitter configured from Params.
	Detector detect.Detector
	Fitter   fit.Fitter
	Pool     *workerpool.Pool
	// Checkpoint may be nil for runs without a checkpoint.
	Checkpoint scheduler.Store
	Bailout    *scheduler.Bailout
	Now        func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) pool() *workerpool.Pool {
	if e.Pool != nil {
		return e.Pool
	}
	return workerpool.New(0)
}

// Stages builds the stage set selected by opts.
func Stages(env Env, opts config.Pipeline) []pipeline.Stage {
	stages := []pipeline.Stage{
		timsStage(env),
		srcsStage(env),
		fitBlobsStage(env),
		coaddsStage(env),
	}
	if opts.EarlyCoadds {
		stages = append(stages, imageCoaddsStage(env))
	}
	if opts.ForcedPhot {
		stages = append(stages, forcedStage(env))
	}
	return append(stages, writeCatStage(opts.ForcedPhot))
}

// Prereqs returns the default prerequisite map for opts with the configured
// overrides applied. An override of "none" makes a stage a root.
func Prereqs(opts config.Pipeline) map[string]string {
	prereqs := map[string]string{
		StageTims:     "",
		StageSrcs:     StageTims,
		StageFitBlobs: StageSrcs,
		StageCoadds:   StageFitBlobs,
		StageWriteCat: StageCoadds,
	}
	if opts.EarlyCoadds {
		prereqs[StageImageCoadds] = StageTims
		prereqs[StageSrcs] = StageImageCoadds
	}
	if opts.ForcedPhot {
		prereqs[StageForced] = StageCoadds
		prereqs[StageWriteCat] = StageForced
	}
	for stage, prereq := range opts.Prereqs {
		if prereq == "none" {
			prereq = ""
		}
		prereqs[stage] = prereq
	}
	return prereqs
}

// Initial encodes the run-level constants.
func Initial(b brick.Brick, params Params) (*pipeline.Output, error) {
	out := pipeline.NewOutput()
	if err := pipeline.Set(out, BrickKey, b); err != nil {
		return nil, err
	}
	if err := pipeline.Set(out, ParamsKey, params); err != nil {
		return nil, err
	}
	return out, nil
}

// constants reads the run-level values every stage needs.
func constants(in pipeline.Values) (brick.Brick, Params, error) {
	b, err := pipeline.Lookup(in, BrickKey)
	if err != nil {
		return brick.Brick{}, Params{}, err
	}
	p, err := pipeline.Lookup(in, ParamsKey)
	if err != nil {
		return brick.Brick{}, Params{}, err
	}
	return b, p, nil
}
