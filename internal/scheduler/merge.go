package scheduler

import (
	"log/slog"
	"sort"

	"legacypipe/internal/blobs"
	"legacypipe/internal/checkpoint"
	"legacypipe/internal/fit"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
)

// CatalogSource is one merged catalog row.
type CatalogSource struct {
	fit.SourceFit
	// Blob is the renumbered blob id; OrigBlob the id fitting used.
	Blob        int `json:"blob"`
	OrigBlob    int `json:"orig_blob"`
	ObjID       int `json:"objid"`
	NInBlob     int `json:"ninblob"`
	BlobWidth   int `json:"blob_width"`
	BlobHeight  int `json:"blob_height"`
	BlobNPix    int `json:"blob_npix"`
	BlobNImages int `json:"blob_nimages"`
}

// FitResult is the merged output of a fitting pass.
type FitResult struct {
	Sources []CatalogSource `json:"sources"`
	NBlobs  int             `json:"nblobs"`
	// Raster maps brick pixels to renumbered blob ids, NoBlob elsewhere.
	Raster *blobs.Raster `json:"raster"`
	// BailoutMask marks pixels of blobs that were never fit because of a
	// bailout.
	BailoutMask *blobs.Mask `json:"bailout_mask"`
	// HitLimit, Failed and OutsideUnique list original blob ids.
	HitLimit      []int `json:"hit_limit"`
	Failed        []int `json:"failed"`
	OutsideUnique []int `json:"outside_unique"`
	// Migrated counts sources dropped for leaving their blob.
	Migrated int `json:"migrated"`
}

// Merge combines the records of a pass into the final result. The output
// does not depend on the order records completed in.
func Merge(part *blobs.Partition, outcome *Outcome, logger *slog.Logger) (*FitResult, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	results := make(map[int]*fit.BlobResult)
	for _, rec := range outcome.Records {
		if rec.Status != checkpoint.StatusFitted || rec.Result.Empty() {
			continue
		}
		results[rec.BlobID] = rec.Result
	}
	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := &FitResult{
		BailoutMask:   blobs.NewMask(part.Width, part.Height),
		HitLimit:      []int{},
		Failed:        []int{},
		OutsideUnique: []int{},
	}
	for id, action := range outcome.Plan.Actions {
		switch action {
		case SkipBailedOut:
			part.Blobs[id].EachPixel(func(x, y int) { out.BailoutMask.Set(x, y, true) })
		case SkipOversized:
			out.HitLimit = append(out.HitLimit, id)
		case Failed:
			out.Failed = append(out.Failed, id)
		case SkipOutsideUnique:
			out.OutsideUnique = append(out.OutsideUnique, id)
		}
	}

	var keep []int
	var rows []CatalogSource
	for _, id := range ids {
		res := results[id]
		blob := part.Blobs[id]
		var kept []fit.SourceFit
		for _, src := range res.Sources {
			if src.Migrated() {
				out.Migrated++
				continue
			}
			kept = append(kept, src)
		}
		if len(kept) == 0 {
			continue
		}
		newID := len(keep)
		keep = append(keep, id)
		for _, src := range kept {
			rows = append(rows, CatalogSource{
				SourceFit:   src,
				Blob:        newID,
				OrigBlob:    id,
				NInBlob:     len(kept),
				BlobWidth:   blob.BBox.Width(),
				BlobHeight:  blob.BBox.Height(),
				BlobNPix:    blob.NPix,
				BlobNImages: res.NImages,
			})
		}
	}
	if out.Migrated > 0 {
		logger.Info("dropped sources that migrated out of their blob",
			logging.Int("dropped", out.Migrated),
			logging.String(logging.FieldEventType, "fit_merge_migrated"),
		)
	}
	if len(rows) == 0 {
		return nil, pipeerr.NothingToDof("no sources survived blob fitting")
	}
	for i := range rows {
		rows[i].ObjID = i
	}
	out.Sources = rows
	out.NBlobs = len(keep)
	out.Raster = blobs.NewRemapTable(part.Len(), keep).Apply(part.Raster)
	return out, nil
}
