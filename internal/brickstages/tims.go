package brickstages

import (
	"context"

	"legacypipe/internal/imagery"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
)

func timsStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageTims,
		Inputs:  pipeline.Names(BrickKey, ParamsKey),
		Outputs: pipeline.Names(ExposuresKey, BandsKey),
		Run: func(ctx context.Context, rc *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
			b, params, err := constants(in)
			if err != nil {
				return nil, err
			}
			if env.Loader == nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageTims, "load exposures", "no loader configured", nil)
			}
			exposures, err := env.Loader.Load(ctx, b)
			if err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageTims, "load exposures", b.Name, err)
			}
			if len(exposures) == 0 {
				return nil, pipeerr.NothingToDof("no exposures overlap brick %s", b.Name)
			}
			bands := params.Bands
			if len(bands) == 0 {
				bands = imagery.Bands(exposures)
			}
			rc.Logger.Info("exposures loaded",
				logging.String(logging.FieldEventType, "exposures_loaded"),
				logging.Int("exposures", len(exposures)),
				logging.Any("bands", bands),
			)
			out := pipeline.NewOutput()
			if err := pipeline.Set(out, ExposuresKey, exposures); err != nil {
				return nil, err
			}
			return out, pipeline.Set(out, BandsKey, bands)
		},
	}
}
