package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPageReturnsMarkdownAndFingerprint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<!DOCTYPE html><html><head><title>Orders</title></head>
<body><nav>menu</nav><main><h1>Orders</h1><p>3 open orders</p></main></body></html>`)
		}
	}))
	defer server.Close()

	tool := NewFetchPageTool(server.Client(), 0)
	out, err := tool.Execute(context.Background(), map[string]interface{}{"url": server.URL + "/orders"})
	require.NoError(t, err)

	page := out.(map[string]interface{})
	assert.Equal(t, "Orders", page["title"])
	assert.Equal(t, http.StatusOK, page["status"])
	assert.Contains(t, page["markdown"], "3 open orders")
	assert.NotContains(t, page["markdown"], "menu")
	assert.Equal(t, false, page["truncated"])

	again, err := tool.Execute(context.Background(), map[string]interface{}{"url": server.URL + "/orders"})
	require.NoError(t, err)
	assert.Equal(t, page["fingerprint"], again.(map[string]interface{})["fingerprint"])

	_, err = tool.Execute(context.Background(), map[string]interface{}{"url": server.URL + "/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetchPageThroughInvokerRequiresURL(t *testing.T) {
	inv := NewInvoker(NewRegistry(), InvokerOptions{Builtins: DefaultBuiltins(0)})
	res := inv.Invoke(context.Background(), llm.ToolCallRequest{Name: ToolNameFetchPage})
	assert.Equal(t, ErrKindInvalidArguments, res.ErrorType)
}

func TestNormalizeFetchURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"example.com/a", "https://example.com/a", false},
		{"http://example.com", "http://example.com", false},
		{"ftp://example.com", "", true},
		{"   ", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeFetchURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestContentFingerprint(t *testing.T) {
	assert.Equal(t, ContentFingerprint("page"), ContentFingerprint("  page\n"))
	assert.NotEqual(t, ContentFingerprint("page"), ContentFingerprint("page 2"))
}

func TestWaitTool(t *testing.T) {
	tool := NewWaitTool()
	out, err := tool.Execute(context.Background(), map[string]interface{}{"seconds": float64(0)})
	require.NoError(t, err)
	assert.Equal(t, float64(0), out.(map[string]interface{})["waited_seconds"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tool.Execute(ctx, map[string]interface{}{"seconds": float64(5)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitToolClampsThroughSchema(t *testing.T) {
	args, err := Sanitize(NewWaitTool().Parameters(), map[string]interface{}{"seconds": float64(60)})
	require.NoError(t, err)
	assert.Equal(t, float64(10), args["seconds"])
}
