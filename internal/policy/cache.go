package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cache memoizes validated policies by path. An entry is reused only while
// the file's size and modification time are unchanged, and can be dropped
// explicitly by a Watcher. Cached policies are shared and must not be mutated.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	policy  *Policy
	result  ValidationResult
	modTime time.Time
	size    int64
}

// NewCache creates an empty policy cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// Get returns the validated policy at path, loading it when the cached copy
// is missing or stale.
func (c *Cache) Get(path string) (*Policy, ValidationResult, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		c.Invalidate(path)
		return nil, ValidationResult{}, fmt.Errorf("stat policy %s: %w", path, err)
	}

	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
		return e.policy, e.result, nil
	}

	p, res, err := Load(path)
	if err != nil {
		return nil, res, err
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{policy: p, result: res, modTime: info.ModTime(), size: info.Size()}
	c.mu.Unlock()
	return p, res, nil
}

// Invalidate drops the cached entry for path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, filepath.Clean(path))
	c.mu.Unlock()
}

// Paths returns the paths currently cached.
func (c *Cache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	return paths
}
