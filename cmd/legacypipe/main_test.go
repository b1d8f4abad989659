package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"legacypipe/internal/brick"
	"legacypipe/internal/brickstages"
	"legacypipe/internal/config"
	"legacypipe/internal/pipeerr"
	"legacypipe/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	brick      brick.Brick
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	b, err := brick.Custom(150, 2, cfg.Brick.Width, cfg.Brick.Height, cfg.Brick.PixScale)
	if err != nil {
		t.Fatalf("custom brick: %v", err)
	}
	stars := []testsupport.Star{
		{X: 10, Y: 10, Peak: 100},
		{X: 30, Y: 12, Peak: 80},
		{X: 20, Y: 35, Peak: 60},
	}
	testsupport.WriteSurvey(t, cfg.Paths.SurveyDir, b.Name,
		testsupport.Exposure("exp-g", "g", b.Width, b.Height, 1.5, stars...),
		testsupport.Exposure("exp-r", "r", b.Width, b.Height, 1.5, stars...),
	)

	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)
	return &cliTestEnv{cfg: cfg, configPath: configPath, brick: b}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := cfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIRunCustomBrick(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"run", "--radec", "150,2", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var summary runSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out)
	}
	if summary.Brick != env.brick.Name {
		t.Fatalf("brick = %q, want %q", summary.Brick, env.brick.Name)
	}
	if summary.Catalog == nil || summary.Catalog.Rows != 3 {
		t.Fatalf("expected a catalog with 3 rows, got %+v", summary.Catalog)
	}
	if summary.Fitting == nil || summary.Fitting.Fitted == 0 {
		t.Fatalf("expected fitted blobs, got %+v", summary.Fitting)
	}
	for _, st := range summary.Stages {
		if st.Action != "ran" {
			t.Fatalf("stage %s action = %s on a cold cache", st.Stage, st.Action)
		}
	}
	catalogPath := brickstages.CatalogPath(env.cfg.Paths.OutputDir, env.brick.Name)
	first, err := os.ReadFile(catalogPath)
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}

	out, _, err = runCLI(t, []string{"run", "--radec", "150,2", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	summary = runSummary{}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode second summary: %v", err)
	}
	if len(summary.Stages) != 1 || summary.Stages[0].Action != "cached" {
		t.Fatalf("expected the cached writecat stage only, got %+v", summary.Stages)
	}

	out, _, err = runCLI(t, []string{"run", "--radec", "150,2", "--force-all"}, env.configPath)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if !strings.Contains(out, "Catalog: ") || !strings.Contains(out, "Fitblobs") {
		t.Fatalf("unexpected run output: %q", out)
	}
	second, err := os.ReadFile(catalogPath)
	if err != nil {
		t.Fatalf("reread catalog: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("forced rerun changed the catalog")
	}
}

func TestCLIRunSkipExistingCatalog(t *testing.T) {
	env := setupCLITestEnv(t)
	path := brickstages.CatalogPath(env.cfg.Paths.OutputDir, env.brick.Name)
	testsupport.Touch(t, path)

	out, _, err := runCLI(t, []string{"run", "--radec", "150,2", "--skip"}, env.configPath)
	if err != nil {
		t.Fatalf("run --skip: %v", err)
	}
	if !strings.Contains(out, "skipping brick "+env.brick.Name) {
		t.Fatalf("expected skip message, got %q", out)
	}
}

func TestCLIRunConfigurationErrors(t *testing.T) {
	env := setupCLITestEnv(t)

	cases := []struct {
		name string
		args []string
	}{
		{name: "unknown brick", args: []string{"run", "--brick", "nosuchbrick"}},
		{name: "no brick", args: []string{"run"}},
		{name: "both selectors", args: []string{"run", "--brick", "1498p017", "--radec", "150,2"}},
		{name: "unknown stage", args: []string{"run", "--radec", "150,2", "--stage", "tractor"}},
		{name: "bad blobxy", args: []string{"run", "--radec", "150,2", "--blobxy", "3"}},
		{name: "bad flag", args: []string{"run", "--no-such-flag"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := runCLI(t, tc.args, env.configPath)
			if !errors.Is(err, pipeerr.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if code := pipeerr.ExitCode(err); code != pipeerr.ExitConfiguration {
				t.Fatalf("exit code = %d, want %d", code, pipeerr.ExitConfiguration)
			}
		})
	}
}

func TestCLIRunNothingToDo(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"run", "--radec", "10,-5"}, env.configPath)
	if !errors.Is(err, pipeerr.ErrNothingToDo) {
		t.Fatalf("expected nothing-to-do for a brick without imagery, got %v", err)
	}
	if code := pipeerr.ExitCode(err); code != pipeerr.ExitOK {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestCLIStagesListAndClear(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"run", "--radec", "150,2", "--stage", "srcs"}, env.configPath); err != nil {
		t.Fatalf("run srcs: %v", err)
	}

	out, _, err := runCLI(t, []string{"stages", "list", "--brick", env.brick.Name}, env.configPath)
	if err != nil {
		t.Fatalf("stages list: %v", err)
	}
	if !strings.Contains(out, "Tims") || !strings.Contains(out, "Srcs") {
		t.Fatalf("stages list missing entries: %q", out)
	}

	out, _, err = runCLI(t, []string{"stages", "clear", "--brick", env.brick.Name, "--stage", "srcs"}, env.configPath)
	if err != nil {
		t.Fatalf("stages clear: %v", err)
	}
	if !strings.Contains(out, "Removed 1 cached stage(s)") {
		t.Fatalf("unexpected clear output: %q", out)
	}

	_, _, err = runCLI(t, []string{"stages", "clear"}, env.configPath)
	if !errors.Is(err, pipeerr.ErrConfiguration) {
		t.Fatalf("expected configuration error without --brick, got %v", err)
	}
}

func TestCLICheckpointInspect(t *testing.T) {
	env := setupCLITestEnv(t, testsupport.WithCheckpoint())
	if _, _, err := runCLI(t, []string{"run", "--radec", "150,2"}, env.configPath); err != nil {
		t.Fatalf("run with checkpoint: %v", err)
	}

	out, _, err := runCLI(t, []string{"checkpoint", "inspect", env.cfg.Fitting.Checkpoint, "--json"}, "")
	if err != nil {
		t.Fatalf("checkpoint inspect: %v", err)
	}
	var summary checkpointSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode checkpoint summary: %v", err)
	}
	if summary.Brick != env.brick.Name {
		t.Fatalf("checkpoint brick = %q, want %q", summary.Brick, env.brick.Name)
	}
	if summary.Records == 0 || summary.ByStatus["fitted"] == 0 || summary.Sources != 3 {
		t.Fatalf("unexpected checkpoint summary: %+v", summary)
	}
}

func TestCLIBricksList(t *testing.T) {
	registry := filepath.Join(t.TempDir(), "bricks.yaml")
	testsupport.WriteBricksFile(t, registry, brick.Brick{
		Name: "1498p017", RA: 149.8, Dec: 1.7,
		RA1: 149.675, RA2: 149.925, Dec1: 1.575, Dec2: 1.825,
	})
	env := setupCLITestEnv(t, testsupport.WithBricksFile(registry))

	out, _, err := runCLI(t, []string{"bricks", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("bricks list: %v", err)
	}
	if !strings.Contains(out, "1498p017") || !strings.Contains(out, "149.8000") {
		t.Fatalf("bricks list missing entry: %q", out)
	}
}

func TestStageLabel(t *testing.T) {
	cases := map[string]string{
		"fitblobs":     "Fitblobs",
		"image_coadds": "Image Coadds",
		"":             "",
	}
	for in, want := range cases {
		if got := stageLabel(in); got != want {
			t.Fatalf("stageLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCLIConfigInitShowValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "legacypipe.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("expected target path in output, got %q", out)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); !errors.Is(err, pipeerr.ErrConfiguration) {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	env := setupCLITestEnv(t)
	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "survey_dir") || !strings.Contains(out, env.cfg.Paths.SurveyDir) {
		t.Fatalf("config show missing survey_dir: %q", out)
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
}
