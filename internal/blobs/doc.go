// Package blobs partitions a brick's detection mask into independent fitting
// units.
//
// A blob is a 4-connected component of interesting pixels. Partition labels
// components in raster-scan order so ids are contiguous in [0, N) and stable
// for a given mask. The per-pixel Raster holds the owning blob id, or -1
// where no blob exists. Whenever blob ids are renumbered (selection filters,
// post-fit compaction) the mapping is carried as a RemapTable indexed by
// old+1, which keeps "no blob" addressable at index 0.
package blobs
