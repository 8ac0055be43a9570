package tools

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubTool(name string) *Func {
	return &Func{
		ToolName:        name,
		ToolDescription: "stub " + name,
		Fn: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return name, nil
		},
	}
}

func TestRegistryRegisterResolveRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool("search")))
	assert.Error(t, r.Register(stubTool("")))

	h, ok := r.Resolve("search")
	require.True(t, ok)
	assert.Equal(t, "search", h.Name())

	r.Remove("search")
	_, ok = r.Resolve("search")
	assert.False(t, ok)
	r.Remove("missing")
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReplaceSourceOnlyTouchesThatSource(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool("local")))
	r.ReplaceSource("docs", []Handle{stubTool("mcp_docs_a"), stubTool("mcp_docs_b")})
	r.ReplaceSource("shop", []Handle{stubTool("mcp_shop_cart")})

	r.ReplaceSource("docs", []Handle{stubTool("mcp_docs_c")})

	assert.Equal(t, []string{"local", "mcp_docs_c", "mcp_shop_cart"}, r.Names())
}

func TestRegistryListSchemasFilterAndCache(t *testing.T) {
	r := NewRegistry()
	r.ReplaceSource("docs", []Handle{stubTool("mcp_docs_b"), stubTool("mcp_docs_a")})
	require.NoError(t, r.Register(stubTool("other")))

	schemas := r.ListSchemas([]string{"mcp_docs_*"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "mcp_docs_a", schemas[0].Name)
	assert.Equal(t, "stub mcp_docs_a", schemas[0].Description)

	assert.Len(t, r.ListSchemas(nil), 3)

	// Mutations invalidate cached listings immediately.
	require.NoError(t, r.Register(stubTool("mcp_docs_z")))
	assert.Len(t, r.ListSchemas([]string{"mcp_docs_*"}), 3)
}

func TestRegistryReadersSeeCompleteSnapshots(t *testing.T) {
	r := NewRegistry()
	batch := func(gen int) []Handle {
		return []Handle{
			stubTool(fmt.Sprintf("mcp_s_a%d", gen)),
			stubTool(fmt.Sprintf("mcp_s_b%d", gen)),
			stubTool(fmt.Sprintf("mcp_s_c%d", gen)),
		}
	}
	r.ReplaceSource("s", batch(0))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for gen := 1; gen < 200; gen++ {
			r.ReplaceSource("s", batch(gen))
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			assert.Equal(t, 3, r.Len())
			return
		default:
			assert.Equal(t, 3, r.Len())
		}
	}
}

func TestListCacheExpires(t *testing.T) {
	c := NewListCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("k", 1, nil)
	_, ok := c.Get("k", 1)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("k", 1)
	assert.False(t, ok)

	c.Put("k", 1, nil)
	c.Invalidate()
	_, ok = c.Get("k", 1)
	assert.False(t, ok)
}

func TestListCacheIgnoresOtherGenerations(t *testing.T) {
	c := NewListCache(time.Minute)

	c.Put("k", 2, []llm.ToolSchema{{Name: "new"}})
	// A listing built from an older snapshot arrives after the newer one.
	c.Put("k", 1, []llm.ToolSchema{{Name: "old"}})

	got, ok := c.Get("k", 2)
	require.True(t, ok)
	assert.Equal(t, "new", got[0].Name)

	_, ok = c.Get("k", 1)
	assert.False(t, ok)
	_, ok = c.Get("k", 3)
	assert.False(t, ok)
}

func TestRegistryListingFromStaleSnapshotIsNotServed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubTool("search")))
	stale := r.current.Load()

	require.NoError(t, r.Register(stubTool("fetch")))
	// Simulate a reader that loaded the old snapshot before the swap and
	// stores its listing after the invalidation.
	r.cache.Put(filterKey(nil), stale.generation, []llm.ToolSchema{{Name: "search"}})

	names := make([]string, 0, 2)
	for _, s := range r.ListSchemas(nil) {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"fetch", "search"}, names)
}

func TestMatchFilter(t *testing.T) {
	assert.True(t, MatchFilter(nil, "anything"))
	assert.True(t, MatchFilter([]string{"fetch_page"}, "fetch_page"))
	assert.True(t, MatchFilter([]string{"mcp_*"}, "mcp_docs_read"))
	assert.False(t, MatchFilter([]string{"mcp_*"}, "wait"))
}
