package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	OutputDir  string `toml:"output_dir"`
	CacheDir   string `toml:"cache_dir"`
	LogDir     string `toml:"log_dir"`
	SurveyDir  string `toml:"survey_dir"`
	BricksFile string `toml:"bricks_file"`
}

// Brick contains the default brick geometry used for custom (RA/Dec) bricks
// and for registry entries that omit dimensions.
type Brick struct {
	Width    int      `toml:"width"`
	Height   int      `toml:"height"`
	PixScale float64  `toml:"pixscale"`
	Bands    []string `toml:"bands"`
}

// Pipeline contains stage selection and stage-cache controls.
type Pipeline struct {
	// Stages lists the endpoint stages to run, in order.
	Stages []string `toml:"stages"`
	// ForceStages bypasses the cache for the named stages.
	ForceStages []string `toml:"force_stages"`
	// ForceAll bypasses the cache for every stage.
	ForceAll bool `toml:"force_all"`
	// WriteCache persists stage outputs; WriteStages restricts which ones.
	WriteCache  bool     `toml:"write_cache"`
	WriteStages []string `toml:"write_stages"`
	// ForcedPhot enables the forced photometry stage between coadds and writecat.
	ForcedPhot bool `toml:"forced_phot"`
	// WriteBlobs writes the blob map product after fitting.
	WriteBlobs bool `toml:"write_blobs"`
	// EarlyCoadds inserts the image_coadds stage before source detection.
	EarlyCoadds bool `toml:"early_coadds"`
	// Prereqs overrides entries of the default prerequisite map.
	Prereqs map[string]string `toml:"prereqs"`
}

// Fitting contains blob scheduler configuration.
type Fitting struct {
	Threads          int    `toml:"threads"`
	Checkpoint       string `toml:"checkpoint"`
	CheckpointPeriod int    `toml:"checkpoint_period"`
	MaxBlobsize      int    `toml:"max_blobsize"`
	BailOut          bool   `toml:"bail_out"`
	DeadlineSeconds  int    `toml:"deadline_seconds"`
	OnBlobError      string `toml:"on_blob_error"`
	FitRadius        int    `toml:"fit_radius"`
	FitIterations    int    `toml:"fit_iterations"`
}

// Detection contains source detection thresholds.
type Detection struct {
	NSigma           float64 `toml:"nsigma"`
	SaturationLevel  float64 `toml:"saturation_level"`
	SaturationDilate int     `toml:"saturation_dilate"`
	ApertureRadius   float64 `toml:"aperture_radius"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for legacypipe.
//
// Configuration sections by subsystem:
//   - Paths: output products, stage cache, logs, survey imagery, brick registry
//   - Brick: default geometry for custom bricks
//   - Pipeline: stage endpoints, forced reruns, cache writes
//   - Fitting: worker pool size, checkpointing, bail-out, failure policy
//   - Detection: detection and photometry thresholds
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Brick     Brick     `toml:"brick"`
	Pipeline  Pipeline  `toml:"pipeline"`
	Fitting   Fitting   `toml:"fitting"`
	Detection Detection `toml:"detection"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/legacypipe/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

// Finalize normalizes and validates the configuration. Callers that mutate a
// loaded config (for example from CLI flags) must call it again.
func (c *Config) Finalize() error {
	if err := c.normalize(); err != nil {
		return err
	}
	return c.Validate()
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("config file %s not found", expanded)
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %s is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("legacypipe.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories a brick run writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.OutputDir, c.Paths.CacheDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CheckpointPeriod returns the checkpoint flush cadence as a duration.
func (c *Config) CheckpointPeriod() time.Duration {
	return time.Duration(c.Fitting.CheckpointPeriod) * time.Second
}

// Deadline returns the fitting deadline relative to start, or the zero time
// when no deadline is configured.
func (c *Config) Deadline(start time.Time) time.Time {
	if c.Fitting.DeadlineSeconds <= 0 {
		return time.Time{}
	}
	return start.Add(time.Duration(c.Fitting.DeadlineSeconds) * time.Second)
}

// StageCachePath returns the SQLite stage cache location.
func (c *Config) StageCachePath() string {
	return filepath.Join(c.Paths.CacheDir, "stages.db")
}

// DefaultCheckpointPath returns the conventional checkpoint location for a brick.
func (c *Config) DefaultCheckpointPath(brick string) string {
	return filepath.Join(c.Paths.OutputDir, "checkpoints", brick, "checkpoint-"+brick+".json")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}
