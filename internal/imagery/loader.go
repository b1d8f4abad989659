package imagery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"legacypipe/internal/blobs"
	"legacypipe/internal/brick"
	"legacypipe/internal/fileutil"
	"legacypipe/internal/logging"
)

// Loader supplies the exposures that overlap a brick.
type Loader interface {
	Load(ctx context.Context, b brick.Brick) ([]Exposure, error)
}

// DirLoader reads exposures stored as JSON files under Dir/<brick>/.
type DirLoader struct {
	Dir    string
	Bands  []string
	Logger *slog.Logger
}

// Load returns the exposures in a brick's survey directory that overlap the
// brick grid, sorted by file name. A missing directory yields no exposures.
func (l DirLoader) Load(ctx context.Context, b brick.Brick) ([]Exposure, error) {
	logger := l.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	dir := filepath.Join(l.Dir, b.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read survey directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	wanted := make(map[string]bool, len(l.Bands))
	for _, band := range l.Bands {
		wanted[band] = true
	}
	grid := blobs.BBox{X1: b.Width, Y1: b.Height}
	var exposures []Exposure
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exp, err := ReadExposure(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[exp.Band] {
			logger.Debug("exposure band not requested",
				logging.String("exposure", exp.Name),
				logging.String("band", exp.Band),
			)
			continue
		}
		if !exp.BBox().Overlaps(grid) {
			logger.Debug("exposure does not overlap brick",
				logging.String("exposure", exp.Name),
				logging.String("footprint", exp.BBox().String()),
			)
			continue
		}
		exposures = append(exposures, exp)
	}
	return exposures, nil
}

// ReadExposure decodes one exposure file.
func ReadExposure(path string) (Exposure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Exposure{}, fmt.Errorf("read exposure: %w", err)
	}
	var exp Exposure
	if err := json.Unmarshal(data, &exp); err != nil {
		return Exposure{}, fmt.Errorf("decode exposure %s: %w", filepath.Base(path), err)
	}
	if exp.Pixels.W != exp.InvVar.W || exp.Pixels.H != exp.InvVar.H {
		return Exposure{}, fmt.Errorf("exposure %s: pixel and invvar planes differ in size", filepath.Base(path))
	}
	if exp.Name == "" {
		exp.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return exp, nil
}

// WriteExposure stores an exposure where DirLoader will find it.
func WriteExposure(surveyDir, brickName string, exp Exposure) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode exposure: %w", err)
	}
	path := filepath.Join(surveyDir, brickName, exp.Name+".json")
	return fileutil.WriteFileAtomic(path, data, 0o644)
}
