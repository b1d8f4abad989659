package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"legacypipe/internal/pipeerr"
)

// Key is a typed name for one value.
type Key[T any] struct {
	name string
}

// NewKey declares a key.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's name.
func (k Key[T]) Name() string { return k.name }

// Named is anything with a key name.
type Named interface {
	Name() string
}

// Names lists the names of keys, for Stage declarations.
func Names(keys ...Named) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Name()
	}
	return out
}

// Output collects the values one stage produces.
type Output struct {
	entries map[string]json.RawMessage
}

// NewOutput returns an empty output.
func NewOutput() *Output {
	return &Output{entries: make(map[string]json.RawMessage)}
}

// Set stores value under k, replacing any earlier value for k in o.
func Set[T any](o *Output, k Key[T], value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return pipeerr.Wrap(pipeerr.ErrStage, "pipeline", "encode", k.name, err)
	}
	o.entries[k.name] = data
	return nil
}

// Names returns the output names in sorted order.
func (o *Output) Names() []string {
	if o == nil {
		return nil
	}
	return sortedNames(o.entries)
}

// Values is an immutable store of encoded values.
type Values struct {
	entries map[string]json.RawMessage
}

// ValuesFromRaw builds a store from encoded entries, copying the map.
func ValuesFromRaw(raw map[string]json.RawMessage) Values {
	entries := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		entries[k] = v
	}
	return Values{entries: entries}
}

// Lookup decodes the value stored under k.
func Lookup[T any](v Values, k Key[T]) (T, error) {
	var out T
	data, ok := v.entries[k.name]
	if !ok {
		return out, pipeerr.Wrap(pipeerr.ErrStage, "pipeline", "lookup", fmt.Sprintf("missing value %q", k.name), nil)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, pipeerr.Wrap(pipeerr.ErrStage, "pipeline", "decode", k.name, err)
	}
	return out, nil
}

// Has reports whether name is present.
func (v Values) Has(name string) bool {
	_, ok := v.entries[name]
	return ok
}

// Names returns the stored names in sorted order.
func (v Values) Names() []string {
	return sortedNames(v.entries)
}

// Len returns the number of stored values.
func (v Values) Len() int { return len(v.entries) }

// With returns a new store holding v's entries overlaid by o's.
func (v Values) With(o *Output) Values {
	entries := make(map[string]json.RawMessage, len(v.entries)+len(o.entriesOrNil()))
	for k, val := range v.entries {
		entries[k] = val
	}
	for k, val := range o.entriesOrNil() {
		entries[k] = val
	}
	return Values{entries: entries}
}

// Raw returns a copy of the encoded entries.
func (v Values) Raw() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(v.entries))
	for k, val := range v.entries {
		out[k] = val
	}
	return out
}

// Digest is a content hash over every name and encoded value.
func (v Values) Digest() string {
	h := sha256.New()
	for _, name := range v.Names() {
		fmt.Fprintf(h, "%d:%s%d:", len(name), name, len(v.entries[name]))
		h.Write(v.entries[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (o *Output) entriesOrNil() map[string]json.RawMessage {
	if o == nil {
		return nil
	}
	return o.entries
}

func sortedNames(m map[string]json.RawMessage) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
