package fit

import (
	"context"
	"math"
	"time"
)

// PointSource is the model type reported by MomentFitter.
const PointSource = "PSF"

// MomentFitter recenters each source on the inverse-variance weighted first
// moment of the positive flux within Radius pixels, then measures aperture
// flux per band at the final position.
type MomentFitter struct {
	Radius     int
	Iterations int
}

// Fit implements Fitter.
func (m MomentFitter) Fit(ctx context.Context, task Task) (BlobResult, error) {
	start := time.Now()
	result := BlobResult{
		BlobID:  task.BlobID,
		BBox:    task.BBox,
		NPix:    task.Mask.Count(),
		NImages: len(task.Images),
	}
	if len(task.Images) == 0 {
		result.Wall = time.Since(start)
		return result, nil
	}
	radius := max(m.Radius, 1)
	iterations := max(m.Iterations, 1)

	result.Sources = make([]SourceFit, 0, len(task.Sources))
	for _, src := range task.Sources {
		if err := ctx.Err(); err != nil {
			return BlobResult{}, err
		}
		x, y := src.X, src.Y
		for range iterations {
			nx, ny, ok := centroid(task, x, y, radius)
			if !ok {
				break
			}
			moved := math.Hypot(nx-x, ny-y)
			x, y = nx, ny
			if moved < 1e-3 {
				break
			}
		}
		fitted := SourceFit{
			Source:         Source{Index: src.Index, X: x, Y: y, Type: PointSource},
			OrigX:          src.X,
			OrigY:          src.Y,
			StartedInBlob:  task.InBlob(roundPixel(src.X), roundPixel(src.Y)),
			FinishedInBlob: task.InBlob(roundPixel(x), roundPixel(y)),
		}
		fitted.Flux, fitted.FluxIvar, fitted.FracMasked, fitted.RChiSq = aperture(task, x, y, float64(radius))
		result.Sources = append(result.Sources, fitted)
	}
	result.Wall = time.Since(start)
	return result, nil
}

func centroid(task Task, cx, cy float64, radius int) (float64, float64, bool) {
	var sw, sx, sy float64
	x0, y0 := roundPixel(cx), roundPixel(cy)
	for _, img := range task.Images {
		for y := y0 - radius; y <= y0+radius; y++ {
			for x := x0 - radius; x <= x0+radius; x++ {
				if (x-x0)*(x-x0)+(y-y0)*(y-y0) > radius*radius {
					continue
				}
				v, iv, ok := img.At(x, y)
				if !ok || iv <= 0 || v <= 0 {
					continue
				}
				w := float64(v) * float64(iv)
				sw += w
				sx += w * float64(x)
				sy += w * float64(y)
			}
		}
	}
	if sw <= 0 {
		return cx, cy, false
	}
	return sx / sw, sy / sw, true
}

// aperture sums per-band ivar-weighted mean pixel values inside a circular
// aperture. FracMasked counts aperture pixels with no valid data in any
// exposure of the band, averaged over bands.
func aperture(task Task, cx, cy, radius float64) (map[string]float64, map[string]float64, float64, float64) {
	flux := make(map[string]float64, len(task.Bands))
	fluxIvar := make(map[string]float64, len(task.Bands))
	var masked, total int
	var chi2 float64
	var nchi int
	x0, y0 := roundPixel(cx), roundPixel(cy)
	r := int(math.Ceil(radius))
	for _, band := range task.Bands {
		var sum, variance float64
		for y := y0 - r; y <= y0+r; y++ {
			for x := x0 - r; x <= x0+r; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				if dx*dx+dy*dy > radius*radius {
					continue
				}
				total++
				var num, den float64
				var values []float64
				var weights []float64
				for _, img := range task.Images {
					if img.Band != band {
						continue
					}
					v, iv, ok := img.At(x, y)
					if !ok || iv <= 0 {
						continue
					}
					num += float64(v) * float64(iv)
					den += float64(iv)
					values = append(values, float64(v))
					weights = append(weights, float64(iv))
				}
				if den <= 0 {
					masked++
					continue
				}
				mean := num / den
				sum += mean
				variance += 1 / den
				for i, v := range values {
					chi2 += (v - mean) * (v - mean) * weights[i]
					nchi++
				}
			}
		}
		flux[band] = sum
		if variance > 0 {
			fluxIvar[band] = 1 / variance
		} else {
			fluxIvar[band] = 0
		}
	}
	frac := 0.0
	if total > 0 {
		frac = float64(masked) / float64(total)
	}
	rchi := 0.0
	if nchi > 0 {
		rchi = chi2 / float64(nchi)
	}
	return flux, fluxIvar, frac, rchi
}

func roundPixel(v float64) int {
	return int(math.Round(v))
}
