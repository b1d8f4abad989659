package brickstages

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"legacypipe/internal/brick"
	"legacypipe/internal/fileutil"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/scheduler"
)

// Catalog describes the written catalog.
type Catalog struct {
	Path    string   `json:"path"`
	Rows    int      `json:"rows"`
	Columns []string `json:"columns"`
}

func writeCatStage(forced bool) pipeline.Stage {
	inputs := pipeline.Names(BrickKey, ParamsKey, BandsKey, FitResultKey)
	if forced {
		inputs = append(inputs, ForcedKey.Name())
	}
	return pipeline.Stage{
		Name:    StageWriteCat,
		Inputs:  inputs,
		Outputs: pipeline.Names(CatalogKey),
		Run: func(ctx context.Context, rc *pipeline.RunContext, in pipeline.Values) (*pipeline.Output, error) {
			b, params, err := constants(in)
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
			var phot []ForcedFlux
			if forced {
				if phot, err = pipeline.Lookup(in, ForcedKey); err != nil {
					return nil, err
				}
			}

			header, rows := catalogRows(b, bands, result, phot, forced)
			path := CatalogPath(params.OutputDir, b.Name)
			err = fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
				cw := csv.NewWriter(w)
				if err := cw.Write(header); err != nil {
					return err
				}
				if err := cw.WriteAll(rows); err != nil {
					return err
				}
				return cw.Error()
			})
			if err != nil {
				return nil, pipeerr.Wrap(pipeerr.ErrStage, StageWriteCat, "write catalog", path, err)
			}
			rc.Logger.Info("catalog written",
				logging.String(logging.FieldEventType, "catalog_written"),
				logging.String("path", path),
				logging.Int("rows", len(rows)),
			)
			out := pipeline.NewOutput()
			return out, pipeline.Set(out, CatalogKey, Catalog{Path: path, Rows: len(rows), Columns: header})
		},
	}
}

func catalogRows(b brick.Brick, bands []string, result *scheduler.FitResult, phot []ForcedFlux, withPhot bool) ([]string, [][]string) {
	header := []string{
		"brickname", "objid", "type", "ra", "dec", "bx", "by", "bx0", "by0",
		"blob", "orig_blob", "ninblob", "blob_width", "blob_height", "blob_npix", "blob_nimages",
		"fracmasked", "rchisq",
	}
	for _, band := range bands {
		header = append(header, "flux_"+band, "flux_ivar_"+band)
	}
	if withPhot {
		for _, band := range bands {
			header = append(header, "apflux_"+band, "apflux_ivar_"+band)
		}
	}

	byObj := make(map[int]ForcedFlux, len(phot))
	for _, p := range phot {
		byObj[p.ObjID] = p
	}
	rows := make([][]string, 0, len(result.Sources))
	for _, src := range result.Sources {
		ra, dec := b.PixelToSky(src.X, src.Y)
		row := []string{
			b.Name,
			strconv.Itoa(src.ObjID),
			src.Type,
			formatFloat(ra),
			formatFloat(dec),
			formatFloat(src.X),
			formatFloat(src.Y),
			formatFloat(src.OrigX),
			formatFloat(src.OrigY),
			strconv.Itoa(src.Blob),
			strconv.Itoa(src.OrigBlob),
			strconv.Itoa(src.NInBlob),
			strconv.Itoa(src.BlobWidth),
			strconv.Itoa(src.BlobHeight),
			strconv.Itoa(src.BlobNPix),
			strconv.Itoa(src.BlobNImages),
			formatFloat(src.FracMasked),
			formatFloat(src.RChiSq),
		}
		for _, band := range bands {
			row = append(row, formatFloat(src.Flux[band]), formatFloat(src.FluxIvar[band]))
		}
		if withPhot {
			p := byObj[src.ObjID]
			for _, band := range bands {
				row = append(row, formatFloat(p.Flux[band]), formatFloat(p.FluxIvar[band]))
			}
		}
		rows = append(rows, row)
	}
	return header, rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
