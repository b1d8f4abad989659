package blobs

import (
	"encoding/json"
	"fmt"
)

// Mask is a boolean pixel grid stored row-major.
type Mask struct {
	W, H int
	Bits []bool
}

// NewMask allocates an all-false mask.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

// Get returns the pixel value; out-of-range pixels are false.
func (m *Mask) Get(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

// Set assigns a pixel. Out-of-range writes are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	m.Bits[y*m.W+x] = v
}

// Or sets every pixel that is set in other.
func (m *Mask) Or(other *Mask) error {
	if other == nil {
		return nil
	}
	if other.W != m.W || other.H != m.H {
		return fmt.Errorf("mask size mismatch: %dx%d vs %dx%d", m.W, m.H, other.W, other.H)
	}
	for i, v := range other.Bits {
		if v {
			m.Bits[i] = true
		}
	}
	return nil
}

// Dilate returns a copy grown by iterations steps of 4-connected dilation.
func (m *Mask) Dilate(iterations int) *Mask {
	cur := m.Clone()
	for range iterations {
		next := cur.Clone()
		for y := 0; y < cur.H; y++ {
			for x := 0; x < cur.W; x++ {
				if cur.Bits[y*cur.W+x] {
					continue
				}
				if cur.Get(x-1, y) || cur.Get(x+1, y) || cur.Get(x, y-1) || cur.Get(x, y+1) {
					next.Bits[y*cur.W+x] = true
				}
			}
		}
		cur = next
	}
	return cur
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Bits {
		if v {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (m *Mask) Clone() *Mask {
	bits := make([]bool, len(m.Bits))
	copy(bits, m.Bits)
	return &Mask{W: m.W, H: m.H, Bits: bits}
}

type maskJSON struct {
	W    int   `json:"width"`
	H    int   `json:"height"`
	Runs []int `json:"runs"`
}

// MarshalJSON encodes the mask as alternating run lengths starting with a
// run of false pixels.
func (m *Mask) MarshalJSON() ([]byte, error) {
	runs := []int{}
	current := false
	count := 0
	for _, v := range m.Bits {
		if v != current {
			runs = append(runs, count)
			current = v
			count = 0
		}
		count++
	}
	if count > 0 {
		runs = append(runs, count)
	}
	return json.Marshal(maskJSON{W: m.W, H: m.H, Runs: runs})
}

// UnmarshalJSON decodes the run-length form written by MarshalJSON.
func (m *Mask) UnmarshalJSON(data []byte) error {
	var raw maskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.W < 0 || raw.H < 0 {
		return fmt.Errorf("mask: negative size %dx%d", raw.W, raw.H)
	}
	bits := make([]bool, 0, raw.W*raw.H)
	value := false
	for _, n := range raw.Runs {
		if n < 0 || len(bits)+n > raw.W*raw.H {
			return fmt.Errorf("mask: run lengths exceed %dx%d", raw.W, raw.H)
		}
		for range n {
			bits = append(bits, value)
		}
		value = !value
	}
	if len(bits) != raw.W*raw.H {
		return fmt.Errorf("mask: run lengths cover %d of %d pixels", len(bits), raw.W*raw.H)
	}
	*m = Mask{W: raw.W, H: raw.H, Bits: bits}
	return nil
}

// BBox is a half-open pixel rectangle [X0, X1) x [Y0, Y1).
type BBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

func (b BBox) Width() int  { return b.X1 - b.X0 }
func (b BBox) Height() int { return b.Y1 - b.Y0 }

// Empty reports whether the box covers no pixels.
func (b BBox) Empty() bool { return b.X1 <= b.X0 || b.Y1 <= b.Y0 }

// Contains reports whether (x, y) lies inside the box.
func (b BBox) Contains(x, y int) bool {
	return x >= b.X0 && x < b.X1 && y >= b.Y0 && y < b.Y1
}

// Overlaps reports whether the two boxes share at least one pixel.
func (b BBox) Overlaps(o BBox) bool {
	return b.X0 < o.X1 && o.X0 < b.X1 && b.Y0 < o.Y1 && o.Y0 < b.Y1
}

// Intersect returns the overlap of the two boxes, which may be empty.
func (b BBox) Intersect(o BBox) BBox {
	return BBox{X0: max(b.X0, o.X0), Y0: max(b.Y0, o.Y0), X1: min(b.X1, o.X1), Y1: min(b.Y1, o.Y1)}
}

func (b BBox) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", b.X0, b.Y0, b.X1, b.Y1)
}
