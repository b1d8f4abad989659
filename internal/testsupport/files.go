package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"legacypipe/internal/brick"
)

// WriteBricksFile stores bricks as a YAML registry at path.
func WriteBricksFile(t testing.TB, path string, bricks ...brick.Brick) {
	t.Helper()

	data, err := yaml.Marshal(struct {
		Bricks []brick.Brick `yaml:"bricks"`
	}{Bricks: bricks})
	if err != nil {
		t.Fatalf("encode bricks: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// Touch creates an empty file at path along with its parent directories.
func Touch(t testing.TB, path string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
}
