// Package cache is a two-tier store for embedding vectors keyed by the
// text they embed. The memory tier answers repeat lookups within a
// process; the disk tier carries entries across restarts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	defaultTTL        = 24 * time.Hour
	defaultMaxEntries = 10000
)

// Key returns the cache key for a text: the first 16 hex characters of
// its SHA-256 digest.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

type entry struct {
	Embedding []float32 `json:"embedding"`
	StoredAt  time.Time `json:"stored_at"`
}

// Cache holds embeddings in memory with an optional disk tier underneath.
// An empty directory disables the disk tier.
type Cache struct {
	dir        string
	ttl        time.Duration
	maxEntries int

	mu        sync.Mutex
	entries   map[string]entry
	evictions int64
}

// New builds a cache. When dir is non-empty it is created if needed and
// used as the disk tier.
func New(dir string, ttl time.Duration, maxEntries int) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	return &Cache{
		dir:        dir,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry),
	}, nil
}

// Get returns the cached vector for text. Expired entries are dropped
// from both tiers and reported as misses.
func (c *Cache) Get(text string) ([]float32, bool) {
	key := Key(text)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.StoredAt) < c.ttl {
			c.mu.Unlock()
			return e.Embedding, true
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.dir == "" {
		return nil, false
	}
	raw, err := os.ReadFile(c.filePath(key))
	if err != nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		os.Remove(c.filePath(key))
		return nil, false
	}
	if now.Sub(e.StoredAt) >= c.ttl {
		os.Remove(c.filePath(key))
		return nil, false
	}

	// Promote the disk entry into the memory tier.
	c.mu.Lock()
	c.entries[key] = e
	c.evictLocked()
	c.mu.Unlock()
	return e.Embedding, true
}

// Put stores the vector in both tiers. A disk write failure is returned
// but the memory tier is already updated, so callers can treat it as
// non-fatal.
func (c *Cache) Put(text string, vec []float32) error {
	key := Key(text)
	e := entry{Embedding: vec, StoredAt: time.Now()}

	c.mu.Lock()
	c.entries[key] = e
	c.evictLocked()
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(c.filePath(key), raw, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// evictLocked removes the oldest fifth of entries once the cache exceeds
// its capacity. Callers hold c.mu.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxEntries {
		return
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, storedAt: e.StoredAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	drop := len(c.entries) / 5
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(c.entries, a.key)
		if c.dir != "" {
			os.Remove(c.filePath(a.key))
		}
		c.evictions++
	}
}

// Len reports the number of entries in the memory tier.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Evictions reports how many entries capacity eviction has removed.
func (c *Cache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}

func (c *Cache) filePath(key string) string {
	return filepath.Join(c.dir, key+".json")
}
