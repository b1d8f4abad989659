// Package fit defines the contract between the blob scheduler and the code
// that models the sources of one blob, plus a reference moment-based fitter.
//
// A Task is self contained: it carries copies of the pixels it needs so a
// Fitter can run on any worker without sharing state with the scheduler.
package fit

import (
	"context"
	"time"

	"legacypipe/internal/blobs"
	"legacypipe/internal/imagery"
)

// Source is an initial source guess handed to the fitter.
type Source struct {
	// Index refers to the brick-wide candidate list.
	Index int     `json:"index"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Type  string  `json:"type"`
}

// SourceFit is a fitted source with its diagnostics.
type SourceFit struct {
	Source
	OrigX      float64            `json:"orig_x"`
	OrigY      float64            `json:"orig_y"`
	Flux       map[string]float64 `json:"flux"`
	FluxIvar   map[string]float64 `json:"flux_ivar"`
	FracMasked float64            `json:"frac_masked"`
	RChiSq     float64            `json:"rchisq"`
	// StartedInBlob and FinishedInBlob record whether the initial and final
	// positions fall inside the blob footprint.
	StartedInBlob  bool `json:"started_in_blob"`
	FinishedInBlob bool `json:"finished_in_blob"`
}

// Migrated reports whether the source drifted out of its blob while fitting.
func (s SourceFit) Migrated() bool {
	return s.StartedInBlob && !s.FinishedInBlob
}

// Task is one blob's unit of work.
type Task struct {
	BlobID int        `json:"blob_id"`
	Order  int        `json:"order"`
	BBox   blobs.BBox `json:"bbox"`
	// Mask covers BBox and marks the blob's own pixels.
	Mask    *blobs.Mask        `json:"mask"`
	Images  []imagery.SubImage `json:"images"`
	Sources []Source           `json:"sources"`
	Bands   []string           `json:"bands"`
}

// InBlob reports whether brick pixel (x, y) belongs to the task's blob.
func (t Task) InBlob(x, y int) bool {
	if !t.BBox.Contains(x, y) {
		return false
	}
	return t.Mask.Get(x-t.BBox.X0, y-t.BBox.Y0)
}

// BlobResult is the fitted outcome of one blob.
type BlobResult struct {
	BlobID  int           `json:"blob_id"`
	BBox    blobs.BBox    `json:"bbox"`
	NPix    int           `json:"npix"`
	NImages int           `json:"nimages"`
	Sources []SourceFit   `json:"sources"`
	Wall    time.Duration `json:"wall_ns"`
}

// Empty reports whether the result contributes no sources.
func (r *BlobResult) Empty() bool {
	return r == nil || len(r.Sources) == 0
}

// Fitter models the sources of one blob.
type Fitter interface {
	Fit(ctx context.Context, task Task) (BlobResult, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(ctx context.Context, task Task) (BlobResult, error)

// Fit implements Fitter.
func (f FitterFunc) Fit(ctx context.Context, task Task) (BlobResult, error) {
	return f(ctx, task)
}
