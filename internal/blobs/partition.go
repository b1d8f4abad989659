package blobs

import (
	"fmt"
	"math"
)

// Point is a source position in brick pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pixel returns the pixel containing the point.
func (p Point) Pixel() (int, int) {
	return int(math.Round(p.X)), int(math.Round(p.Y))
}

// Blob is one connected component of the detection mask.
type Blob struct {
	ID   int  `json:"id"`
	BBox BBox `json:"bbox"`
	// Mask covers BBox only; Mask.Get(0, 0) is brick pixel (BBox.X0, BBox.Y0).
	Mask *Mask `json:"mask"`
	// Sources lists indices into the candidate source list, ascending.
	Sources []int `json:"sources"`
	NPix    int   `json:"npix"`
}

// Touches reports whether any blob pixel satisfies pred, given in brick
// coordinates.
func (b Blob) Touches(pred func(x, y int) bool) bool {
	for y := 0; y < b.Mask.H; y++ {
		for x := 0; x < b.Mask.W; x++ {
			if b.Mask.Bits[y*b.Mask.W+x] && pred(b.BBox.X0+x, b.BBox.Y0+y) {
				return true
			}
		}
	}
	return false
}

// EachPixel calls fn for every blob pixel in brick coordinates.
func (b Blob) EachPixel(fn func(x, y int)) {
	for y := 0; y < b.Mask.H; y++ {
		for x := 0; x < b.Mask.W; x++ {
			if b.Mask.Bits[y*b.Mask.W+x] {
				fn(b.BBox.X0+x, b.BBox.Y0+y)
			}
		}
	}
}

// Partition is the full set of blobs for one brick.
type Partition struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Blobs  []Blob  `json:"blobs"`
	Raster *Raster `json:"raster"`
}

// Len returns the number of blobs.
func (p *Partition) Len() int { return len(p.Blobs) }

// Build labels the 4-connected components of mask and assigns every source to
// the blob that contains its pixel. A source outside every blob is an error,
// since detection derives sources from the same mask.
func Build(mask *Mask, positions []Point) (*Partition, error) {
	raster := NewRaster(mask.W, mask.H)
	var boxes []BBox
	var counts []int
	queue := make([]int, 0, 64)

	for start, set := range mask.Bits {
		if !set || raster.IDs[start] != NoBlob {
			continue
		}
		id := len(boxes)
		sx, sy := start%mask.W, start/mask.W
		box := BBox{X0: sx, Y0: sy, X1: sx + 1, Y1: sy + 1}
		npix := 0
		raster.IDs[start] = id
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := idx%mask.W, idx/mask.W
			npix++
			box.X0, box.X1 = min(box.X0, x), max(box.X1, x+1)
			box.Y0, box.Y1 = min(box.Y0, y), max(box.Y1, y+1)
			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				if !mask.Get(n[0], n[1]) {
					continue
				}
				nidx := n[1]*mask.W + n[0]
				if raster.IDs[nidx] == NoBlob {
					raster.IDs[nidx] = id
					queue = append(queue, nidx)
				}
			}
		}
		boxes = append(boxes, box)
		counts = append(counts, npix)
	}

	part := &Partition{Width: mask.W, Height: mask.H, Raster: raster, Blobs: make([]Blob, len(boxes))}
	for id, box := range boxes {
		part.Blobs[id] = Blob{ID: id, BBox: box, Mask: cropMask(raster, box, id), NPix: counts[id]}
	}
	for i, pos := range positions {
		x, y := pos.Pixel()
		id := raster.At(x, y)
		if id == NoBlob {
			return nil, fmt.Errorf("source %d at (%.2f,%.2f) lies outside every blob", i, pos.X, pos.Y)
		}
		part.Blobs[id].Sources = append(part.Blobs[id].Sources, i)
	}
	return part, nil
}

// Subset returns a partition containing keep[i] renumbered as blob i, along
// with the table mapping old ids to new ones.
func (p *Partition) Subset(keep []int) (*Partition, RemapTable) {
	table := NewRemapTable(len(p.Blobs), keep)
	out := &Partition{
		Width:  p.Width,
		Height: p.Height,
		Raster: table.Apply(p.Raster),
		Blobs:  make([]Blob, 0, len(keep)),
	}
	for newID, old := range keep {
		b := p.Blobs[old]
		b.ID = newID
		out.Blobs = append(out.Blobs, b)
	}
	return out, table
}

func cropMask(raster *Raster, box BBox, id int) *Mask {
	m := NewMask(box.Width(), box.Height())
	for y := box.Y0; y < box.Y1; y++ {
		for x := box.X0; x < box.X1; x++ {
			if raster.IDs[y*raster.W+x] == id {
				m.Bits[(y-box.Y0)*m.W+(x-box.X0)] = true
			}
		}
	}
	return m
}

// Occupied drops blobs that own no sources and renumbers the rest in id
// order. The table is nil when every blob is occupied.
func (p *Partition) Occupied() (*Partition, RemapTable) {
	keep := make([]int, 0, len(p.Blobs))
	for _, b := range p.Blobs {
		if len(b.Sources) > 0 {
			keep = append(keep, b.ID)
		}
	}
	if len(keep) == len(p.Blobs) {
		return p, nil
	}
	return p.Subset(keep)
}
