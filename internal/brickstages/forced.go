package brickstages

import (
	"context"
	"math"

	"legacypipe/internal/imagery"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/scheduler"
	"legacypipe/internal/workerpool"
)

// ForcedFlux is the aperture photometry of one catalog source.
type ForcedFlux struct {
	ObjID    int                `json:"objid"`
	Flux     map[string]float64 `json:"flux"`
	FluxIvar map[string]float64 `json:"flux_ivar"`
}

type bandFluxes struct {
	band string
	flux []float64
	ivar []float64
}

func forcedStage(env Env) pipeline.Stage {
	return pipeline.Stage{
		Name:    StageForced,
		Inputs:  pipeline.Names(ParamsKey, CoaddsKey, FitResultKey),
		Outputs: pipeline.Names(ForcedKey),
		Run: func(ctx context.Context, rc *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
			params, err := pipeline.Lookup(in, ParamsKey)
			if err != nil {
				return nil, err
			}
			coadds, err := pipeline.Lookup(in, CoaddsKey)
			if err != nil {
				return nil, err
			}
			result, err := pipeline.Lookup(in, FitResultKey)
			if err != nil {
				return nil, err
			}

			perBand, err := workerpool.Map(ctx, env.pool(), coadds, func(ctx context.Context, c imagery.Coadd) (bandFluxes, error) {
				return measureBand(ctx, c, result.Sources, params.ApertureRadius)
			})
			if err != nil {
				return nil, err
			}
			rows := make([]ForcedFlux, len(result.Sources))
			for i, src := range result.Sources {
				rows[i] = ForcedFlux{
					ObjID:    src.ObjID,
					Flux:     make(map[string]float64, len(perBand)),
					FluxIvar: make(map[string]float64, len(perBand)),
				}
				for _, bf := range perBand {
					rows[i].Flux[bf.band] = bf.flux[i]
					rows[i].FluxIvar[bf.band] = bf.ivar[i]
				}
			}
			rc.Logger.Info("forced photometry measured",
				logging.String(logging.FieldEventType, "forced_phot"),
				logging.Int("sources", len(rows)),
				logging.Int("bands", len(perBand)),
			)
			out := pipeline.NewOutput()
			return out, pipeline.Set(out, ForcedKey, rows)
		},
	}
}

// measureBand sums coadd flux in a circular aperture around every source.
// The flux variance is the sum of per-pixel variances; a source whose
// aperture holds no weighted pixel gets zero flux and zero ivar.
func measureBand(ctx context.Context, c imagery.Coadd, sources []scheduler.CatalogSource, radius float64) (bandFluxes, error) {
	out := bandFluxes{band: c.Band, flux: make([]float64, len(sources)), ivar: make([]float64, len(sources))}
	r := int(math.Ceil(radius))
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return bandFluxes{}, err
		}
		cx, cy := int(math.Round(src.X)), int(math.Round(src.Y))
		var flux, variance float64
		for y := cy - r; y <= cy+r; y++ {
			if y < 0 || y >= c.Image.H {
				continue
			}
			for x := cx - r; x <= cx+r; x++ {
				if x < 0 || x >= c.Image.W {
					continue
				}
				if math.Hypot(float64(x)-src.X, float64(y)-src.Y) > radius {
					continue
				}
				iv := float64(c.InvVar.At(x, y))
				if iv <= 0 {
					continue
				}
				flux += float64(c.Image.At(x, y))
				variance += 1 / iv
			}
		}
		out.flux[i] = flux
		if variance > 0 {
			out.ivar[i] = 1 / variance
		}
	}
	return out, nil
}
