// Package imagery holds the input exposures of a brick and the pixel
// operations the pipeline needs on them: cropping per-blob sub-images and
// building inverse-variance weighted coadds.
//
// Exposures are already resampled onto the brick pixel grid; X0/Y0 place an
// exposure's first pixel in brick coordinates and may be negative when the
// exposure hangs off the brick edge.
package imagery

import (
	"legacypipe/internal/blobs"
)

// Exposure is one calibrated image with its inverse-variance map.
type Exposure struct {
	Name   string `json:"name"`
	Band   string `json:"band"`
	X0     int    `json:"x0"`
	Y0     int    `json:"y0"`
	Pixels Plane  `json:"pixels"`
	InvVar Plane  `json:"invvar"`
}

// BBox returns the exposure footprint in brick coordinates.
func (e Exposure) BBox() blobs.BBox {
	return blobs.BBox{X0: e.X0, Y0: e.Y0, X1: e.X0 + e.Pixels.W, Y1: e.Y0 + e.Pixels.H}
}

// SubImage is a read-only copy of the part of one exposure covering a blob.
type SubImage struct {
	Exposure string     `json:"exposure"`
	Band     string     `json:"band"`
	BBox     blobs.BBox `json:"bbox"`
	Pixels   Plane      `json:"pixels"`
	InvVar   Plane      `json:"invvar"`
}

// At returns the pixel and inverse variance at brick coordinates (x, y), and
// false outside the sub-image.
func (s SubImage) At(x, y int) (float32, float32, bool) {
	if !s.BBox.Contains(x, y) {
		return 0, 0, false
	}
	lx, ly := x-s.BBox.X0, y-s.BBox.Y0
	return s.Pixels.At(lx, ly), s.InvVar.At(lx, ly), true
}

// Crop copies the overlap of the exposure with box. It reports false when the
// two do not overlap.
func (e Exposure) Crop(box blobs.BBox) (SubImage, bool) {
	overlap := e.BBox().Intersect(box)
	if overlap.Empty() {
		return SubImage{}, false
	}
	sub := SubImage{
		Exposure: e.Name,
		Band:     e.Band,
		BBox:     overlap,
		Pixels:   NewPlane(overlap.Width(), overlap.Height()),
		InvVar:   NewPlane(overlap.Width(), overlap.Height()),
	}
	for y := overlap.Y0; y < overlap.Y1; y++ {
		src := (y-e.Y0)*e.Pixels.W + (overlap.X0 - e.X0)
		dst := (y - overlap.Y0) * sub.Pixels.W
		copy(sub.Pixels.Data[dst:dst+overlap.Width()], e.Pixels.Data[src:src+overlap.Width()])
		copy(sub.InvVar.Data[dst:dst+overlap.Width()], e.InvVar.Data[src:src+overlap.Width()])
	}
	return sub, true
}

// CropAll returns the sub-images of every exposure overlapping box, in
// exposure order.
func CropAll(exposures []Exposure, box blobs.BBox) []SubImage {
	var out []SubImage
	for _, e := range exposures {
		if sub, ok := e.Crop(box); ok {
			out = append(out, sub)
		}
	}
	return out
}

// Bands returns the distinct bands in first-seen order.
func Bands(exposures []Exposure) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range exposures {
		if !seen[e.Band] {
			seen[e.Band] = true
			out = append(out, e.Band)
		}
	}
	return out
}

// Coadd is an inverse-variance weighted stack of one band on the brick grid.
type Coadd struct {
	Band   string `json:"band"`
	Image  Plane  `json:"image"`
	InvVar Plane  `json:"invvar"`
	// Saturated marks pixels where any contributing exposure reached the
	// saturation level.
	Saturated *blobs.Mask `json:"saturated"`
	NExp      int         `json:"nexp"`
}

// Stack builds the coadd of every exposure in band over a w x h brick.
// Pixels with zero total weight are left at zero. A non-positive satLevel
// disables saturation flagging.
func Stack(exposures []Exposure, band string, w, h int, satLevel float32) Coadd {
	num := make([]float64, w*h)
	den := make([]float64, w*h)
	sat := blobs.NewMask(w, h)
	n := 0
	for _, e := range exposures {
		if e.Band != band {
			continue
		}
		n++
		overlap := e.BBox().Intersect(blobs.BBox{X1: w, Y1: h})
		for y := overlap.Y0; y < overlap.Y1; y++ {
			for x := overlap.X0; x < overlap.X1; x++ {
				v := e.Pixels.At(x-e.X0, y-e.Y0)
				iv := e.InvVar.At(x-e.X0, y-e.Y0)
				if satLevel > 0 && v >= satLevel {
					sat.Set(x, y, true)
				}
				if iv <= 0 {
					continue
				}
				num[y*w+x] += float64(v) * float64(iv)
				den[y*w+x] += float64(iv)
			}
		}
	}
	c := Coadd{Band: band, Image: NewPlane(w, h), InvVar: NewPlane(w, h), Saturated: sat, NExp: n}
	for i := range num {
		if den[i] > 0 {
			c.Image.Data[i] = float32(num[i] / den[i])
			c.InvVar.Data[i] = float32(den[i])
		}
	}
	return c
}
