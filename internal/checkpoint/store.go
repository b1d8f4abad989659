package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"

	"legacypipe/internal/fileutil"
	"legacypipe/internal/logging"
	"legacypipe/internal/pipeerr"
)

// FormatVersion is the checkpoint file layout version.
const FormatVersion = 1

// File is the on-disk checkpoint envelope.
type File struct {
	Version   int       `json:"version"`
	Brick     string    `json:"brick"`
	WrittenAt time.Time `json:"written_at"`
	Records   []Record  `json:"records"`
}

// Store reads and writes one brick's checkpoint file.
type Store struct {
	path   string
	brick  string
	lock   *flock.Flock
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for written_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open locks the checkpoint at path for brick. The lock is held until Close.
func Open(path, brick string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, pipeerr.Configf("checkpoint path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	if !ok {
		return nil, pipeerr.Configf("checkpoint %s in use by another run", path)
	}
	s := &Store{
		path:   path,
		brick:  brick,
		lock:   lock,
		logger: logging.NewComponentLogger(logger, "checkpoint"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load returns the records of the last complete checkpoint. A missing file
// yields no records; an unreadable or corrupt file is logged and treated the
// same way so the run refits every blob.
func (s *Store) Load() []Record {
	file, err := Read(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("no checkpoint file", logging.String("path", s.path))
			return nil
		}
		logging.WarnWithContext(s.logger, "ignoring unreadable checkpoint", "checkpoint_corrupt",
			logging.String("path", s.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the file if the problem persists"),
			logging.String(logging.FieldImpact, "all blobs will be refit"),
		)
		return nil
	}
	if file.Brick != "" && s.brick != "" && file.Brick != s.brick {
		logging.WarnWithContext(s.logger, "checkpoint belongs to another brick", "checkpoint_brick_mismatch",
			logging.String("path", s.path),
			logging.String("checkpoint_brick", file.Brick),
			logging.String(logging.FieldImpact, "all blobs will be refit"),
		)
		return nil
	}
	s.logger.Info("loaded checkpoint",
		logging.String("path", s.path),
		logging.Int("records", len(file.Records)),
		logging.String(logging.FieldEventType, "checkpoint_load"),
	)
	return file.Records
}

// Flush atomically rewrites the checkpoint with records.
func (s *Store) Flush(records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].BlobID < sorted[j].BlobID })
	file := File{Version: FormatVersion, Brick: s.brick, WrittenAt: s.now().UTC(), Records: sorted}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint written",
		logging.String("path", s.path),
		logging.Int("records", len(records)),
		logging.String(logging.FieldEventType, "checkpoint_flush"),
	)
	return nil
}

// Close releases the checkpoint lock.
func (s *Store) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release checkpoint lock: %w", err)
	}
	return nil
}

// Read decodes a checkpoint file without locking it. Parse failures and
// version mismatches are reported as ErrCheckpointCorrupt.
func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return File{}, pipeerr.Wrap(pipeerr.ErrCheckpointCorrupt, "checkpoint", "decode", filepath.Base(path), err)
	}
	if file.Version != FormatVersion {
		return File{}, pipeerr.Wrap(pipeerr.ErrCheckpointCorrupt, "checkpoint", "decode",
			fmt.Sprintf("unsupported version %d", file.Version), nil)
	}
	return file, nil
}
