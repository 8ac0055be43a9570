package tools

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
)

type registryEntry struct {
	handle Handle
	source string
}

// snapshot is immutable once published.
type snapshot struct {
	entries    map[string]registryEntry
	generation uint64
}

// Registry maps tool names to handles. Readers always see a complete
// snapshot; writers build a new map and swap it in, so a refresh never
// exposes a half-populated registry.
type Registry struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	cache   *ListCache
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{cache: NewListCache(0)}
	r.current.Store(&snapshot{entries: map[string]registryEntry{}})
	return r
}

// Register adds or replaces a single tool owned by no source.
func (r *Registry) Register(h Handle) error {
	if h == nil || strings.TrimSpace(h.Name()) == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.swap(func(entries map[string]registryEntry) {
		entries[h.Name()] = registryEntry{handle: h}
	})
	return nil
}

// Remove deletes a tool by name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.swap(func(entries map[string]registryEntry) {
		delete(entries, name)
	})
}

// ReplaceSource atomically swaps every tool owned by source for handles.
// Tools registered by other sources are untouched.
func (r *Registry) ReplaceSource(source string, handles []Handle) {
	r.swap(func(entries map[string]registryEntry) {
		for name, entry := range entries {
			if entry.source == source {
				delete(entries, name)
			}
		}
		for _, h := range handles {
			if h == nil || h.Name() == "" {
				continue
			}
			if existing, ok := entries[h.Name()]; ok && existing.source != source {
				logger.Warn("tool %s from %s shadows tool from %q", h.Name(), source, existing.source)
			}
			entries[h.Name()] = registryEntry{handle: h, source: source}
		}
	})
	logger.Debug("registry: source %s now provides %d tools", source, len(handles))
}

func (r *Registry) swap(mutate func(map[string]registryEntry)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.current.Load()
	next := make(map[string]registryEntry, len(old.entries)+1)
	for name, entry := range old.entries {
		next[name] = entry
	}
	mutate(next)
	r.current.Store(&snapshot{entries: next, generation: old.generation + 1})
	r.cache.Invalidate()
}

// Resolve returns the handle registered under name.
func (r *Registry) Resolve(name string) (Handle, bool) {
	entry, ok := r.current.Load().entries[name]
	if !ok {
		return nil, false
	}
	return entry.handle, true
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	entries := r.current.Load().entries
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.current.Load().entries)
}

// ListSchemas returns the schemas of tools matching filter, sorted by name.
// Filter entries are tool names or path.Match globs such as "mcp_docs_*";
// an empty filter matches everything.
func (r *Registry) ListSchemas(filter []string) []llm.ToolSchema {
	key := filterKey(filter)
	snap := r.current.Load()
	if cached, ok := r.cache.Get(key, snap.generation); ok {
		return cached
	}

	names := make([]string, 0, len(snap.entries))
	for name := range snap.entries {
		if MatchFilter(filter, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	schemas := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		schemas = append(schemas, ToolSchema(snap.entries[name].handle))
	}
	r.cache.Put(key, snap.generation, schemas)
	return schemas
}

// MatchFilter reports whether name is allowed by filter.
func MatchFilter(filter []string, name string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, pattern := range filter {
		if pattern == name {
			return true
		}
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func filterKey(filter []string) string {
	if len(filter) == 0 {
		return "*"
	}
	sorted := append([]string(nil), filter...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
