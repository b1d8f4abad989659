package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"legacypipe/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantOutput := filepath.Join(tempHome, ".local", "share", "legacypipe", "output")
	if cfg.Paths.OutputDir != wantOutput {
		t.Fatalf("unexpected output dir: got %q want %q", cfg.Paths.OutputDir, wantOutput)
	}
	if cfg.Paths.CacheDir != filepath.Join(tempHome, ".cache", "legacypipe") {
		t.Fatalf("unexpected cache dir: %q", cfg.Paths.CacheDir)
	}
	if got := cfg.Pipeline.Stages; len(got) != 1 || got[0] != "writecat" {
		t.Fatalf("unexpected default stages: %v", got)
	}
	if cfg.Fitting.CheckpointPeriod != 600 {
		t.Fatalf("unexpected checkpoint period: %d", cfg.Fitting.CheckpointPeriod)
	}
	if cfg.Fitting.OnBlobError != "abort" {
		t.Fatalf("expected abort policy by default, got %q", cfg.Fitting.OnBlobError)
	}
	if cfg.Fitting.BailOut {
		t.Fatal("expected bail-out disabled by default")
	}
	if !cfg.Pipeline.WriteCache {
		t.Fatal("expected stage cache writes enabled by default")
	}
	if cfg.StageCachePath() != filepath.Join(cfg.Paths.CacheDir, "stages.db") {
		t.Fatalf("unexpected stage cache path: %q", cfg.StageCachePath())
	}
}

func TestLoadCustomConfigOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(tempHome, "legacypipe.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"output_dir": "~/out",
			"cache_dir":  filepath.Join(tempHome, "cache"),
		},
		"pipeline": map[string]any{
			"stages":       []string{"FitBlobs", "writecat, coadds"},
			"force_stages": []string{"srcs", "srcs"},
		},
		"fitting": map[string]any{
			"threads":           8,
			"checkpoint_period": 30,
			"on_blob_error":     "SKIP",
			"max_blobsize":      250000,
		},
		"logging": map[string]any{
			"format": "JSON",
			"level":  "Debug",
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Paths.OutputDir != filepath.Join(tempHome, "out") {
		t.Fatalf("expected tilde expansion, got %q", cfg.Paths.OutputDir)
	}
	if got := strings.Join(cfg.Pipeline.Stages, ","); got != "fitblobs,writecat,coadds" {
		t.Fatalf("unexpected stages: %q", got)
	}
	if got := strings.Join(cfg.Pipeline.ForceStages, ","); got != "srcs" {
		t.Fatalf("expected deduplicated force stages, got %q", got)
	}
	if cfg.Fitting.OnBlobError != "skip" {
		t.Fatalf("expected normalized policy, got %q", cfg.Fitting.OnBlobError)
	}
	if cfg.CheckpointPeriod().Seconds() != 30 {
		t.Fatalf("unexpected checkpoint period: %v", cfg.CheckpointPeriod())
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	configPath := filepath.Join(tempHome, "bad.toml")
	if err := os.WriteFile(configPath, []byte("[fitting]\nthreadz = 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"period", func(c *config.Config) { c.Fitting.CheckpointPeriod = 0 }, "checkpoint_period"},
		{"policy", func(c *config.Config) { c.Fitting.OnBlobError = "retry" }, "on_blob_error"},
		{"threads", func(c *config.Config) { c.Fitting.Threads = -2 }, "threads"},
		{"blobsize", func(c *config.Config) { c.Fitting.MaxBlobsize = -1 }, "max_blobsize"},
		{"geometry", func(c *config.Config) { c.Brick.Width = 0 }, "brick.width"},
		{"nsigma", func(c *config.Config) { c.Detection.NSigma = 0 }, "nsigma"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.OutputDir = t.TempDir()
			cfg.Paths.CacheDir = t.TempDir()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	path := filepath.Join(tempHome, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config must load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample file to exist")
	}
	if cfg.Detection.NSigma != 6 {
		t.Fatalf("unexpected nsigma from sample: %v", cfg.Detection.NSigma)
	}
}

func TestDeadline(t *testing.T) {
	cfg := config.Default()
	start := mustTime(t)
	if !cfg.Deadline(start).IsZero() {
		t.Fatal("expected no deadline by default")
	}
	cfg.Fitting.DeadlineSeconds = 90
	if got := cfg.Deadline(start).Sub(start).Seconds(); got != 90 {
		t.Fatalf("unexpected deadline offset: %v", got)
	}
}

func mustTime(t *testing.T) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, "2024-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return ts
}
