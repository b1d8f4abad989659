package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Entry is a cached stage closure.
type Entry struct {
	Brick string
	Stage string
	RunID string
	// Produced lists the names the stage itself wrote.
	Produced  []string
	Values    map[string]json.RawMessage
	Digest    string
	CreatedAt time.Time
}

// Cache persists entries keyed by (brick, stage).
type Cache interface {
	Load(ctx context.Context, brick, stage string) (*Entry, bool, error)
	Save(ctx context.Context, entry *Entry) error
}

// MemoryCache keeps entries in process memory.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[[2]string]*Entry
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[[2]string]*Entry)}
}

// Load implements Cache.
func (c *MemoryCache) Load(_ context.Context, brick, stage string) (*Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[[2]string{brick, stage}]
	if !ok {
		return nil, false, nil
	}
	clone := *entry
	clone.Values = ValuesFromRaw(entry.Values).Raw()
	return &clone, true, nil
}

// Save implements Cache.
func (c *MemoryCache) Save(_ context.Context, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *entry
	clone.Values = ValuesFromRaw(entry.Values).Raw()
	c.entries[[2]string{entry.Brick, entry.Stage}] = &clone
	return nil
}
