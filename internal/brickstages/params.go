package brickstages

import (
	"time"

	"legacypipe/internal/blobs"
	"legacypipe/internal/config"
)

// Params are the run-level settings every stage may read.
type Params struct {
	Bands            []string        `json:"bands"`
	NSigma           float64         `json:"nsigma"`
	SaturationLevel  float64         `json:"saturation_level"`
	SaturationDilate int             `json:"saturation_dilate"`
	ApertureRadius   float64         `json:"aperture_radius"`
	FitRadius        int             `json:"fit_radius"`
	FitIterations    int             `json:"fit_iterations"`
	MaxBlobsize      int             `json:"max_blobsize"`
	BailOut          bool            `json:"bail_out"`
	CheckpointPeriod time.Duration   `json:"checkpoint_period"`
	OnBlobError      string          `json:"on_blob_error"`
	Selection        blobs.Selection `json:"selection"`
	OutputDir        string          `json:"output_dir"`
	WriteBlobs       bool            `json:"write_blobs"`
}

// ParamsFromConfig copies the stage settings out of cfg. Blob selection is
// left empty; it only comes from the command line.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		Bands:            append([]string(nil), cfg.Brick.Bands...),
		NSigma:           cfg.Detection.NSigma,
		SaturationLevel:  cfg.Detection.SaturationLevel,
		SaturationDilate: cfg.Detection.SaturationDilate,
		ApertureRadius:   cfg.Detection.ApertureRadius,
		FitRadius:        cfg.Fitting.FitRadius,
		FitIterations:    cfg.Fitting.FitIterations,
		MaxBlobsize:      cfg.Fitting.MaxBlobsize,
		BailOut:          cfg.Fitting.BailOut,
		CheckpointPeriod: cfg.CheckpointPeriod(),
		OnBlobError:      cfg.Fitting.OnBlobError,
		OutputDir:        cfg.Paths.OutputDir,
		WriteBlobs:       cfg.Pipeline.WriteBlobs,
	}
}
