package testsupport

import (
	"path/filepath"
	"testing"

	"legacypipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Bricks default to 48x48 pixels in bands g and r so a full run stays fast.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SurveyDir = filepath.Join(base, "survey")
	cfgVal.Brick.Width = 48
	cfgVal.Brick.Height = 48
	cfgVal.Brick.Bands = []string{"g", "r"}
	cfgVal.Fitting.Threads = 2
	cfgVal.Logging.Format = "json"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBrickSize overrides the default brick dimensions.
func WithBrickSize(width, height int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Brick.Width = width
		b.cfg.Brick.Height = height
	}
}

// WithCheckpoint enables a checkpoint file under the temp directory.
func WithCheckpoint() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Fitting.Checkpoint = filepath.Join(b.baseDir, "output", "checkpoints", "checkpoint.json")
	}
}

// WithBricksFile points the config at a brick registry file.
func WithBricksFile(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.BricksFile = path
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputDir)
}
