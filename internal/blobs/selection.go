package blobs

import (
	"log/slog"
	"math"
	"slices"

	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
)

// SkyProjector converts sky coordinates to brick pixels.
type SkyProjector interface {
	SkyToPixel(ra, dec float64) (float64, float64)
}

// Selection restricts fitting to a subset of blobs for debugging. When
// several forms are set the later one in field order wins: Sky and Pixels are
// combined, IDs replaces them, and a First/Count range replaces everything.
type Selection struct {
	Sky    [][2]float64
	Pixels [][2]int
	IDs    []int
	First  int
	// Count limits the range to this many blobs; zero means through the end.
	Count int
}

// Empty reports whether the selection keeps every blob.
func (s Selection) Empty() bool {
	return len(s.Sky) == 0 && len(s.Pixels) == 0 && len(s.IDs) == 0 && s.First <= 0 && s.Count <= 0
}

// Filter applies sel to part. It returns the original partition and a nil
// table when nothing is filtered, including the case where the selection
// matched no blob at all.
func Filter(part *Partition, sel Selection, proj SkyProjector, logger *slog.Logger) (*Partition, RemapTable, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if sel.Empty() {
		return part, nil, nil
	}

	var keep []int
	applied := false
	if len(sel.Sky) > 0 || len(sel.Pixels) > 0 {
		applied = true
		pixels := slices.Clone(sel.Pixels)
		for _, rd := range sel.Sky {
			if proj == nil {
				return nil, nil, pipeerr.Configf("sky blob selection requires a brick projection")
			}
			fx, fy := proj.SkyToPixel(rd[0], rd[1])
			pixels = append(pixels, [2]int{int(math.Round(fx)), int(math.Round(fy))})
		}
		for _, p := range pixels {
			x, y := p[0], p[1]
			if x < 0 || y < 0 || x >= part.Width || y >= part.Height {
				logger.Warn("clipping blob pixel to brick bounds",
					logging.Int("x", x),
					logging.Int("y", y),
					logging.String(logging.FieldEventType, "blob_selection_clipped"),
				)
				x = min(max(x, 0), part.Width-1)
				y = min(max(y, 0), part.Height-1)
			}
			id := part.Raster.At(x, y)
			if id == NoBlob {
				logger.Warn("selected pixel is not in a blob",
					logging.Int("x", x),
					logging.Int("y", y),
					logging.String(logging.FieldEventType, "blob_selection_miss"),
				)
				continue
			}
			keep = append(keep, id)
		}
	}
	if len(sel.IDs) > 0 {
		applied = true
		keep = keep[:0]
		for _, id := range sel.IDs {
			if id < 0 || id >= len(part.Blobs) {
				return nil, nil, pipeerr.Configf("blob id %d out of range [0,%d)", id, len(part.Blobs))
			}
			keep = append(keep, id)
		}
	}
	if sel.First > 0 || (sel.Count > 0 && sel.Count < len(part.Blobs)) {
		first := max(sel.First, 0)
		end := len(part.Blobs)
		if sel.Count > 0 {
			end = min(first+sel.Count, end)
		}
		applied = true
		keep = keep[:0]
		for id := first; id < end; id++ {
			keep = append(keep, id)
		}
	}

	if !applied {
		return part, nil, nil
	}
	slices.Sort(keep)
	keep = slices.Compact(keep)
	if len(keep) == 0 {
		logger.Warn("blob selection matched nothing; fitting every blob",
			logging.String(logging.FieldEventType, "blob_selection_empty"),
		)
		return part, nil, nil
	}
	filtered, table := part.Subset(keep)
	logger.Info("restricted fitting to selected blobs",
		logging.Int("selected", len(keep)),
		logging.Int("total", len(part.Blobs)),
		logging.String(logging.FieldEventType, "blob_selection"),
	)
	return filtered, table, nil
}
