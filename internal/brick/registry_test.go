package brick

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"legacypipe/internal/pipeerr"
)

const sampleRegistry = `
bricks:
  - name: deep1
    ra: 36.45
    dec: -4.6
    ra1: 36.325
    ra2: 36.575
    dec1: -4.725
    dec2: -4.475
    width: 1200
    height: 1200
  - name: deep2
    ra: 150.1
    dec: 2.2
    ra1: 149.975
    ra2: 150.225
    dec1: 2.075
    dec2: 2.325
`

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bricks.yaml")
	if err := os.WriteFile(path, []byte(sampleRegistry), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 bricks, got %d", reg.Len())
	}
	names := reg.Names()
	if names[0] != "deep1" || names[1] != "deep2" {
		t.Fatalf("unexpected names %v", names)
	}
	b, err := reg.Lookup("deep1")
	if err != nil {
		t.Fatal(err)
	}
	if b.Width != 1200 || b.RA != 36.45 || b.Custom {
		t.Fatalf("unexpected brick %+v", b)
	}
}

func TestLookupFallsBackToSurveyName(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Lookup("1498p017")
	if err != nil {
		t.Fatalf("expected survey name to resolve, got %v", err)
	}
	if b.Name != "1498p017" {
		t.Fatalf("unexpected name %q", b.Name)
	}
}

func TestLookupUnknownIsConfigurationError(t *testing.T) {
	reg, err := ParseRegistry([]byte(sampleRegistry))
	if err != nil {
		t.Fatal(err)
	}
	_, err = reg.Lookup("nowhere")
	if !errors.Is(err, pipeerr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestParseRegistryRejectsDuplicates(t *testing.T) {
	data := []byte("bricks:\n  - {name: a, dec1: 0, dec2: 1}\n  - {name: a, dec1: 0, dec2: 1}\n")
	if _, err := ParseRegistry(data); !errors.Is(err, pipeerr.ErrConfiguration) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestParseRegistryRejectsMalformed(t *testing.T) {
	if _, err := ParseRegistry([]byte("bricks: [")); err == nil {
		t.Fatal("expected decode error")
	}
}
