package brickstages

import (
	"context"

	"legacypipe/internal/blobs"
	"legacypipe/internal/detect"
	"legacypipe/internal/fit"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
)

func srcsStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageSrcs,
		Inputs:  pipeline.Names(BrickKey, ParamsKey, ExposuresKey, BandsKey),
		Outputs: pipeline.Names(PartitionKey, SourcesKey),
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

			detector := env.Detector
			if detector == nil {
				detector = detect.Threshold{
					NSigma:           params.NSigma,
					SaturationLevel:  float32(params.SaturationLevel),
					SaturationDilate: params.SaturationDilate,
					Bands:            bands,
				}
			}
			detection, err := detector.Detect(ctx, exposures, b.Width, b.Height)
			if err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageSrcs, "detect", b.Name, err)
			}
			if len(detection.Sources) == 0 {
				return nil, pipeerr.NothingToDof("no sources detected in brick %s", b.Name)
			}

			mask, err := detection.Mask()
			if err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageSrcs, "detect", b.Name, err)
			}
			part, err := blobs.Build(mask, detection.Positions())
			if err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageSrcs, "segment", b.Name, err)
			}
			total := part.Len()
			if occupied, _ := part.Occupied(); occupied != nil {
				part = occupied
			}

			sources := make([]fit.Source, len(detection.Sources))
			for i, c := range detection.Sources {
				sources[i] = fit.Source{Index: i, X: c.X, Y: c.Y, Type: fit.PointSource}
			}
			rc.Logger.Info("sources detected",
				logging.String(logging.FieldEventType, "sources_detected"),
				logging.Int("sources", len(sources)),
				logging.Int("segments", total),
				logging.Int("blobs", part.Len()),
				logging.Int("masked_pixels", mask.Count()),
			)

			out := pipeline.NewOutput()
			if err := pipeline.Set(out, PartitionKey, part); err != nil {
				return nil, err
			}
			return out, pipeline.Set(out, SourcesKey, sources)
		},
	}
}
