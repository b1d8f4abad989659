package brickstages

import (
	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/fit"
	"legacypipe/internal/imagery"
	"legacypipe/internal/pipeline"
	"legacypipe/internal/scheduler"
)

// Stage names.
const (
	StageTims        = "tims"
	StageImageCoadds = "image_coadds"
	StageSrcs        = "srcs"
	StageFitBlobs    = "fitblobs"
	StageCoadds      = "coadds"
	StageForced      = "forced"
	StageWriteCat    = "writecat"
)

// Run-level constants.
var (
	BrickKey  = pipeline.NewKey[brick.Brick]("brick")
	ParamsKey = pipeline.NewKey[Params]("params")
)

// Stage products.
var (
	ExposuresKey   = pipeline.NewKey[[]imagery.Exposure]("exposures")
	BandsKey       = pipeline.NewKey[[]string]("bands")
	EarlyCoaddsKey = pipeline.NewKey[[]string]("early_coadd_files")
	PartitionKey   = pipeline.NewKey[*blobs.Partition]("partition")
	SourcesKey     = pipeline.NewKey[[]fit.Source]("sources")
	FitResultKey   = pipeline.NewKey[*scheduler.FitResult]("fit_result")
	FitReportKey   = pipeline.NewKey[scheduler.Report]("fit_report")
	CoaddsKey      = pipeline.NewKey[[]imagery.Coadd]("coadds")
	MaskbitsKey    = pipeline.NewKey[*Maskbits]("maskbits")
	ForcedKey      = pipeline.NewKey[[]ForcedFlux]("forced")
	CatalogKey     = pipeline.NewKey[Catalog]("catalog")
)
