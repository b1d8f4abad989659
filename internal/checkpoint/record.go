package checkpoint

import (
	"log/slog"
	"sort"

	"legacypipe/internal/blobs"
	"legacypipe/internal/fit"
	"legacypipe/internal/logging"
)

// Status classifies a record.
type Status string

const (
	// StatusFitted records a blob with at least one fitted source.
	StatusFitted Status = "fitted"
	// StatusEmpty records a fitted blob that produced no sources.
	StatusEmpty Status = "empty"
	// StatusSkipped is a placeholder for a blob that was not fitted. It is
	// kept for inspection and never reused.
	StatusSkipped Status = "skipped"
)

// Record is the persisted answer for one blob.
type Record struct {
	BlobID int             `json:"blob_id"`
	Status Status          `json:"status"`
	BBox   blobs.BBox      `json:"bbox"`
	NPix   int             `json:"npix"`
	Reason string          `json:"reason,omitempty"`
	Result *fit.BlobResult `json:"result,omitempty"`
}

// FromResult records a completed fit of blob.
func FromResult(blob blobs.Blob, res fit.BlobResult) Record {
	status := StatusFitted
	if res.Empty() {
		status = StatusEmpty
	}
	return Record{BlobID: blob.ID, Status: status, BBox: blob.BBox, NPix: blob.NPix, Result: &res}
}

// Placeholder records a blob that was deliberately not fitted.
func Placeholder(blob blobs.Blob, reason string) Record {
	return Record{BlobID: blob.ID, Status: StatusSkipped, BBox: blob.BBox, NPix: blob.NPix, Reason: reason}
}

// Validate keeps the records that still answer a blob of part. Placeholders,
// out-of-range ids and records whose footprint no longer matches are
// dropped; when an id repeats the last record wins. The result is sorted by
// blob id.
func Validate(records []Record, part *blobs.Partition, logger *slog.Logger) []Record {
	if logger == nil {
		logger = logging.NewNop()
	}
	byID := make(map[int]Record, len(records))
	stale := 0
	for _, rec := range records {
		if rec.Status == StatusSkipped {
			continue
		}
		if rec.BlobID < 0 || rec.BlobID >= part.Len() {
			logger.Info("dropping checkpoint record for unknown blob",
				logging.Int(logging.FieldBlobID, rec.BlobID),
				logging.Int("blobs", part.Len()),
				logging.String(logging.FieldEventType, "checkpoint_record_dropped"),
			)
			stale++
			continue
		}
		blob := part.Blobs[rec.BlobID]
		if rec.BBox != blob.BBox || rec.NPix != blob.NPix {
			logger.Info("checkpoint record no longer matches blob; refitting",
				logging.Int(logging.FieldBlobID, rec.BlobID),
				logging.String("checkpoint_bbox", rec.BBox.String()),
				logging.String("blob_bbox", blob.BBox.String()),
				logging.Int("checkpoint_npix", rec.NPix),
				logging.Int("blob_npix", blob.NPix),
				logging.String(logging.FieldEventType, "checkpoint_record_stale"),
			)
			stale++
			continue
		}
		if rec.Status == StatusFitted && (rec.Result == nil || rec.Result.BlobID != rec.BlobID) {
			stale++
			continue
		}
		byID[rec.BlobID] = rec
	}

	out := make([]Record, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlobID < out[j].BlobID })
	if stale > 0 {
		logger.Info("checkpoint records invalidated",
			logging.Int("dropped", stale),
			logging.Int("kept", len(out)),
			logging.String(logging.FieldEventType, "checkpoint_validate"),
		)
	}
	return out
}
