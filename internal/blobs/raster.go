package blobs

import (
	"encoding/json"
	"fmt"
)

// NoBlob marks raster pixels that belong to no blob.
const NoBlob = -1

// Raster holds the owning blob id of every brick pixel.
type Raster struct {
	W, H int
	IDs  []int
}

// NewRaster allocates a raster with every pixel set to NoBlob.
func NewRaster(w, h int) *Raster {
	ids := make([]int, w*h)
	for i := range ids {
		ids[i] = NoBlob
	}
	return &Raster{W: w, H: h, IDs: ids}
}

// At returns the blob id at (x, y), or NoBlob outside the grid.
func (r *Raster) At(x, y int) int {
	if x < 0 || y < 0 || x >= r.W || y >= r.H {
		return NoBlob
	}
	return r.IDs[y*r.W+x]
}

// Max returns the largest id present, or NoBlob for an empty raster.
func (r *Raster) Max() int {
	best := NoBlob
	for _, id := range r.IDs {
		if id > best {
			best = id
		}
	}
	return best
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	ids := make([]int, len(r.IDs))
	copy(ids, r.IDs)
	return &Raster{W: r.W, H: r.H, IDs: ids}
}

// MaskOf returns the brick-sized mask of pixels whose id satisfies keep.
func (r *Raster) MaskOf(keep func(id int) bool) *Mask {
	m := NewMask(r.W, r.H)
	for i, id := range r.IDs {
		if keep(id) {
			m.Bits[i] = true
		}
	}
	return m
}

type rasterJSON struct {
	W    int      `json:"width"`
	H    int      `json:"height"`
	Runs [][2]int `json:"runs"`
}

// MarshalJSON encodes the raster as [id, length] runs.
func (r *Raster) MarshalJSON() ([]byte, error) {
	runs := [][2]int{}
	for i, id := range r.IDs {
		if i > 0 && runs[len(runs)-1][0] == id {
			runs[len(runs)-1][1]++
			continue
		}
		runs = append(runs, [2]int{id, 1})
	}
	return json.Marshal(rasterJSON{W: r.W, H: r.H, Runs: runs})
}

// UnmarshalJSON decodes the run form written by MarshalJSON.
func (r *Raster) UnmarshalJSON(data []byte) error {
	var raw rasterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	total := raw.W * raw.H
	ids := make([]int, 0, total)
	for _, run := range raw.Runs {
		if run[1] < 0 || len(ids)+run[1] > total {
			return fmt.Errorf("raster: runs exceed %dx%d", raw.W, raw.H)
		}
		for range run[1] {
			ids = append(ids, run[0])
		}
	}
	if len(ids) != total {
		return fmt.Errorf("raster: runs cover %d of %d pixels", len(ids), total)
	}
	*r = Raster{W: raw.W, H: raw.H, IDs: ids}
	return nil
}

// RemapTable translates blob ids after renumbering. Entry old+1 holds the new
// id of old, and entry 0 keeps NoBlob mapped to NoBlob.
type RemapTable []int

// NewRemapTable builds the table for a partition of n blobs in which keep[i]
// becomes blob i. Ids not listed map to NoBlob.
func NewRemapTable(n int, keep []int) RemapTable {
	table := make(RemapTable, n+1)
	for i := range table {
		table[i] = NoBlob
	}
	for newID, old := range keep {
		if old >= 0 && old < n {
			table[old+1] = newID
		}
	}
	return table
}

// Lookup maps an old id to its new id.
func (t RemapTable) Lookup(old int) int {
	idx := old + 1
	if idx < 0 || idx >= len(t) {
		return NoBlob
	}
	return t[idx]
}

// Apply returns a new raster with every id remapped.
func (t RemapTable) Apply(r *Raster) *Raster {
	out := &Raster{W: r.W, H: r.H, IDs: make([]int, len(r.IDs))}
	for i, id := range r.IDs {
		out.IDs[i] = t.Lookup(id)
	}
	return out
}
