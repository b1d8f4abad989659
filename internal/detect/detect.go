// Package detect finds candidate sources on a brick and the mask of pixels
// that later becomes the blob partition.
package detect

import (
	"context"
	"errors"
	"fmt"
	"math"

	"legacypipe/internal/blobs"
	"legacypipe/internal/imagery"
)

// Candidate is one detected peak.
type Candidate struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Band string  `json:"band"`
	SNR  float64 `json:"snr"`
}

// Detection is the output of a detector over a brick.
type Detection struct {
	Hot       *blobs.Mask `json:"hot"`
	Saturated *blobs.Mask `json:"saturated"`
	Sources   []Candidate `json:"sources"`
}

// Mask returns the union of hot and saturated pixels. A missing hot mask or a
// saturation mask of another size is an error.
func (d Detection) Mask() (*blobs.Mask, error) {
	if d.Hot == nil {
		return nil, errors.New("detection has no hot-pixel mask")
	}
	m := d.Hot.Clone()
	if err := m.Or(d.Saturated); err != nil {
		return nil, fmt.Errorf("saturation mask: %w", err)
	}
	return m, nil
}

// Positions returns the candidate positions in source order.
func (d Detection) Positions() []blobs.Point {
	out := make([]blobs.Point, len(d.Sources))
	for i, c := range d.Sources {
		out[i] = blobs.Point{X: c.X, Y: c.Y}
	}
	return out
}

// Detector finds sources on the exposures of a w x h brick.
type Detector interface {
	Detect(ctx context.Context, exposures []imagery.Exposure, w, h int) (Detection, error)
}

// Threshold marks pixels whose per-band coadd signal-to-noise exceeds NSigma
// and reports 3x3 local maxima of the best-band SNR map as candidates.
type Threshold struct {
	NSigma           float64
	SaturationLevel  float32
	SaturationDilate int
	Bands            []string
}

// Detect implements Detector.
func (t Threshold) Detect(ctx context.Context, exposures []imagery.Exposure, w, h int) (Detection, error) {
	bands := t.Bands
	if len(bands) == 0 {
		bands = imagery.Bands(exposures)
	}
	snr := make([]float64, w*h)
	best := make([]int, w*h)
	saturated := blobs.NewMask(w, h)
	for bi, band := range bands {
		if err := ctx.Err(); err != nil {
			return Detection{}, err
		}
		coadd := imagery.Stack(exposures, band, w, h, t.SaturationLevel)
		if err := saturated.Or(coadd.Saturated); err != nil {
			return Detection{}, err
		}
		for i, v := range coadd.Image.Data {
			iv := coadd.InvVar.Data[i]
			if iv <= 0 {
				continue
			}
			s := float64(v) * math.Sqrt(float64(iv))
			if bi == 0 || s > snr[i] {
				snr[i] = s
				best[i] = bi
			}
		}
	}
	if t.SaturationDilate > 0 {
		saturated = saturated.Dilate(t.SaturationDilate)
	}

	hot := blobs.NewMask(w, h)
	for i, s := range snr {
		if s > t.NSigma {
			hot.Bits[i] = true
		}
	}

	var sources []Candidate
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if !hot.Bits[i] || !isPeak(snr, w, h, x, y) {
				continue
			}
			sources = append(sources, Candidate{X: float64(x), Y: float64(y), Band: bands[best[i]], SNR: snr[i]})
		}
	}
	return Detection{Hot: hot, Saturated: saturated, Sources: sources}, nil
}

// isPeak reports whether (x, y) is a 3x3 local maximum. Ties go to the pixel
// that comes first in raster order so a flat top yields one peak.
func isPeak(snr []float64, w, h, x, y int) bool {
	center := snr[y*w+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			v := snr[ny*w+nx]
			before := dy < 0 || (dy == 0 && dx < 0)
			if v > center || (before && v == center) {
				return false
			}
		}
	}
	return true
}
