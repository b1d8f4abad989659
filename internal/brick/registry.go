package brick

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"legacypipe/internal/pipeerr"
)

// Registry maps brick names to their definitions.
type Registry struct {
	bricks map[string]Brick
}

type registryFile struct {
	Bricks []Brick `yaml:"bricks"`
}

// ParseRegistry decodes a YAML brick table of the form
//
//	bricks:
//	  - {name: 1498p017, ra: 149.8, dec: 1.7, ra1: ..., ra2: ..., dec1: ..., dec2: ...}
func ParseRegistry(data []byte) (*Registry, error) {
	reg := &Registry{bricks: make(map[string]Brick)}
	if len(bytes.TrimSpace(data)) == 0 {
		return reg, nil
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, pipeerr.Wrap(pipeerr.ErrConfiguration, "brick", "decode registry", "", err)
	}
	for i, b := range file.Bricks {
		b.Name = strings.TrimSpace(b.Name)
		if b.Name == "" {
			return nil, pipeerr.Configf("brick registry entry %d has no name", i)
		}
		if _, dup := reg.bricks[b.Name]; dup {
			return nil, pipeerr.Configf("brick registry lists %s twice", b.Name)
		}
		if b.Dec2 <= b.Dec1 {
			return nil, pipeerr.Configf("brick %s: dec2 must exceed dec1", b.Name)
		}
		reg.bricks[b.Name] = b
	}
	return reg, nil
}

// LoadRegistry reads a registry file. An empty path yields an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return &Registry{bricks: make(map[string]Brick)}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.ErrConfiguration, "brick", "read registry", path, err)
	}
	reg, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Lookup resolves a brick name. Registry entries win; otherwise a survey-style
// name is decoded directly. Anything else is a configuration error.
func (r *Registry) Lookup(name string) (Brick, error) {
	name = strings.TrimSpace(name)
	if r != nil {
		if b, ok := r.bricks[name]; ok {
			return b, nil
		}
	}
	if b, ok := ParseName(name); ok {
		return b, nil
	}
	return Brick{}, pipeerr.Configf("unknown brick %q", name)
}

// Names returns the registered brick names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.bricks))
	for name := range r.bricks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered bricks.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.bricks)
}
