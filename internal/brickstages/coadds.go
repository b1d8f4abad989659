package brickstages

import (
	"context"

	"legacypipe/internal/brick"
	"legacypipe/internal/imagery"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/workerpool"
)

func coaddsStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageCoadds,
		Inputs:  pipeline.Names(BrickKey, ParamsKey, ExposuresKey, BandsKey, FitResultKey),
		Outputs: pipeline.Names(CoaddsKey, MaskbitsKey),
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
			result, err := pipeline.Lookup(in, FitResultKey)
			if err != nil {
				return nil, err
			}

			coadds, err := stackBands(ctx, env.pool(), exposures, bands, b, params)
			if err != nil {
				return nil, err
			}
			for _, c := range coadds {
				path := CoaddPath(params.OutputDir, b.Name, c.Band)
				if err := writeJSON(path, c); err != nil {
					return nil, pipeerr.Wrap(pipeerr.ErrStage, StageCoadds, "write coadd", path, err)
				}
			}
			maskbits := BuildMaskbits(b, coadds, result.BailoutMask)
			path := MaskbitsPath(params.OutputDir, b.Name)
			if err := writeJSON(path, maskbits); err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageCoadds, "write maskbits", path, err)
			}
			rc.Logger.Info("coadds written",
				logging.String(logging.FieldEventType, "product_written"),
				logging.Int("bands", len(coadds)),
				logging.String("maskbits", path),
			)

			out := pipeline.NewOutput()
			if err := pipeline.Set(out, CoaddsKey, coadds); err != nil {
				return nil, err
			}
			return out, pipeline.Set(out, MaskbitsKey, maskbits)
		},
	}
}

func imageCoaddsStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageImageCoadds,
		Inputs:  pipeline.Names(BrickKey, ParamsKey, ExposuresKey, BandsKey),
		Outputs: pipeline.Names(EarlyCoaddsKey),
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
			coadds, err := stackBands(ctx, env.pool(), exposures, bands, b, params)
			if err != nil {
				return nil, err
			}
			paths := make([]string, 0, len(coadds))
			for _, c := range coadds {
				path := EarlyCoaddPath(params.OutputDir, b.Name, c.Band)
				if err := writeJSON(path, c); err != nil {
					return nil, pipeerr.Wrap(pipeerr.ErrStage, StageImageCoadds, "write coadd", path, err)
				}
				paths = append(paths, path)
			}
			rc.Logger.Info("early coadds written",
				logging.String(logging.FieldEventType, "product_written"),
				logging.Int("bands", len(paths)),
			)
			out := pipeline.NewOutput()
			return out, pipeline.Set(out, EarlyCoaddsKey, paths)
		},
	}
}

// stackBands coadds every band in parallel, keeping band order.
func stackBands(ctx context.Context, pool *workerpool.Pool, exposures []imagery.Exposure, bands []string, b brick.Brick, params Params) ([]imagery.Coadd, error) {
	satLevel := float32(params.SaturationLevel)
	return workerpool.Map(ctx, pool, bands, func(ctx context.Context, band string) (imagery.Coadd, error) {
		if err := ctx.Err(); err != nil {
			return imagery.Coadd{}, err
		}
		return imagery.Stack(exposures, band, b.Width, b.Height, satLevel), nil
	})
}
