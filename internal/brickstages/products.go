package brickstages

import (
	"encoding/json"
	"io"
	"path/filepath"

	"legacypipe/internal/fileutil"
)

// CatalogPath is where writecat puts the catalog of brick.
func CatalogPath(outputDir, brick string) string {
	return filepath.Join(outputDir, "tractor", brick, "tractor-"+brick+".csv")
}

// BlobmapPath is the blob map product of brick.
func BlobmapPath(outputDir, brick string) string {
	return filepath.Join(outputDir, "metrics", brick, "blobs-"+brick+".json")
}

// CoaddPath is the coadd product of one band.
func CoaddPath(outputDir, brick, band string) string {
	return filepath.Join(outputDir, "coadd", brick, "legacysurvey-"+brick+"-image-"+band+".json")
}

// EarlyCoaddPath is the pre-detection coadd of one band.
func EarlyCoaddPath(outputDir, brick, band string) string {
	return filepath.Join(outputDir, "coadd", brick, "legacysurvey-"+brick+"-early-image-"+band+".json")
}

// MaskbitsPath is the maskbits product of brick.
func MaskbitsPath(outputDir, brick string) string {
	return filepath.Join(outputDir, "coadd", brick, "legacysurvey-"+brick+"-maskbits.json")
}

func writeJSON(path string, v any) error {
	return fileutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		return enc.Encode(v)
	})
}
