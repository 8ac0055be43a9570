package tools

import (
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/llm"
)

type listEntry struct {
	schemas    []llm.ToolSchema
	generation uint64
	expires    time.Time
}

// ListCache memoizes tool listings per filter key for a short TTL. Entries
// are tagged with the registry generation they were built from and only
// served for that generation.
type ListCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]listEntry
}

// NewListCache creates a cache. A non-positive ttl uses the default.
func NewListCache(ttl time.Duration) *ListCache {
	if ttl <= 0 {
		ttl = consts.ToolListCacheTTL
	}
	return &ListCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]listEntry),
	}
}

// Get returns a cached listing built from generation if it has not expired.
func (c *ListCache) Get(key string, generation uint64) ([]llm.ToolSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.generation != generation || c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.schemas, true
}

// Put stores a listing unless a newer generation is already cached.
func (c *ListCache) Put(key string, generation uint64, schemas []llm.ToolSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok && existing.generation > generation {
		return
	}
	c.entries[key] = listEntry{schemas: schemas, generation: generation, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every cached listing.
func (c *ListCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]listEntry)
}
