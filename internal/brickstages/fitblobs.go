package brickstages

import (
	"context"

	"legacypipe/internal/blobs"
	"legacypipe/internal/fit"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/scheduler"
)

func fitBlobsStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageFitBlobs,
		Inputs:  pipeline.Names(BrickKey, ParamsKey, ExposuresKey, BandsKey, PartitionKey, SourcesKey),
		Outputs: pipeline.Names(FitResultKey, FitReportKey),
		Run: func(ctx context.Context, rc *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
			b, params, err := constants(in)
			if err != nil {
				return nil, err
			}
			exposures, err := pipeline.Lookup(in, ExposuresKey)
			if err != nil {
				return nil, err
			}
			bands, err := pipeline.Lookup(in, BandsKey)
			if err != nil {
				return nil, err
			}
			part, err := pipeline.Lookup(in, PartitionKey)
			if err != nil {
				return nil, err
			}
			sources, err := pipeline.Lookup(in, SourcesKey)
			if err != nil {
				return nil, err
			}
			// The selection only narrows this fit; the cached partition stays whole.
			part, _, err = blobs.Filter(part, params.Selection, b, rc.Logger)
			if err != nil {
				return nil, err
			}
			policy, err := scheduler.ParsePolicy(params.OnBlobError)
			if err != nil {
				return nil, err
			}

			fitter := env.Fitter
			if fitter == nil {
				fitter = fit.MomentFitter{Radius: params.FitRadius, Iterations: params.FitIterations}
			}
			s := &scheduler.Scheduler{
				Pool:   env.pool(),
				Fitter: fitter,
				Store:  env.Checkpoint,
				Bands:  bands,
				Logger: rc.Logger,
				Options: scheduler.Options{
					MaxBlobsize:      params.MaxBlobsize,
					BailOut:          params.BailOut,
					Bailout:          env.Bailout,
					CheckpointPeriod: params.CheckpointPeriod,
					OnBlobError:      policy,
					Unique:           b.UniqueArea(),
					Now:              env.Now,
				},
			}
			outcome, err := s.Run(ctx, part, exposures, sources)
			if err != nil {
				return nil, err
			}
			result, err := scheduler.Merge(part, outcome, rc.Logger)
			if err != nil {
				return nil, err
			}

			if params.WriteBlobs {
				path := BlobmapPath(params.OutputDir, b.Name)
				if err := writeJSON(path, result.Raster); err != nil {
					return nil, pipeerr.Wrap(pipeerr.ErrStage, StageFitBlobs, "write blob map", path, err)
				}
				rc.Logger.Info("blob map written",
					logging.String(logging.FieldEventType, "product_written"),
					logging.String("path", path),
				)
			}

			out := pipeline.NewOutput()
			if err := pipeline.Set(out, FitResultKey, result); err != nil {
				return nil, err
			}
			return out, pipeline.Set(out, FitReportKey, outcome.Report)
		},
	}
}
