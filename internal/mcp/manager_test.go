package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const shopSpec = `openapi: 3.0.3
info:
  title: shop
  version: "1"
paths:
  /carts/{cartId}:
    get:
      operationId: getCart
      summary: Read a cart
      parameters:
        - name: cartId
          in: path
          required: true
          schema:
            type: string
  /carts/{cartId}/items:
    post:
      operationId: addItem
      parameters:
        - name: cartId
          in: path
          required: true
          schema:
            type: string
        - name: qty
          in: query
          schema:
            type: integer
            minimum: 1
            maximum: 5
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              properties:
                sku:
                  type: string
`

func browserServer() *server.MCPServer {
	srv := server.NewMCPServer("browser", "1.0.0")
	srv.AddTool(mcp.NewTool("click",
		mcp.WithDescription("Click an element"),
		mcp.WithString("selector", mcp.Required(), mcp.Description("CSS selector")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		selector, _ := args["selector"].(string)
		if selector == "#missing" {
			return mcp.NewToolResultError("no element matches #missing"), nil
		}
		return mcp.NewToolResultText("clicked " + selector), nil
	})
	srv.AddTool(mcp.NewTool("Read Page",
		mcp.WithDescription("Read the current page"),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("page text"), nil
	})
	return srv
}

func inProcessDial(t *testing.T, dialed *int) dialFunc {
	return func(ctx context.Context, serverName string, cmd *config.MCPCommandConfig) (toolClient, error) {
		*dialed++
		c, err := client.NewInProcessClient(browserServer())
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func stdioConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MCP.Servers = map[string]*config.MCPServerConfig{
		"browser": {
			Type:    "stdio",
			Command: &config.MCPCommandConfig{Exec: []string{"browser-mcp"}},
		},
	}
	return cfg
}

func TestBuildStdioServerTools(t *testing.T) {
	dialed := 0
	m := NewManager(stdioConfig(), "")
	m.dial = inProcessDial(t, &dialed)
	defer m.Close()

	handles, errs := m.Build(context.Background())
	require.Empty(t, errs)
	require.Len(t, handles, 2)
	assert.Equal(t, 1, dialed)

	byName := map[string]tools.Handle{}
	for _, h := range handles {
		byName[h.Name()] = h
	}
	click, ok := byName["mcp_browser_click"]
	require.True(t, ok)
	require.Contains(t, byName, "mcp_browser_read_page")

	schema := click.Parameters()
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []interface{}{"selector"}, schema["required"])
	assert.Equal(t, tools.KindMutating, click.(tools.Classified).Kind())

	registry := tools.NewRegistry()
	for _, h := range handles {
		require.NoError(t, registry.Register(h))
	}
	inv := tools.NewInvoker(registry, tools.InvokerOptions{})

	res := inv.Invoke(context.Background(), llm.ToolCallRequest{
		ID: "1", Name: "mcp_browser_click", Arguments: map[string]interface{}{"selector": "#buy"},
	})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "clicked #buy", res.Result)

	res = inv.Invoke(context.Background(), llm.ToolCallRequest{
		ID: "2", Name: "mcp_browser_click", Arguments: map[string]interface{}{"selector": "#missing"},
	})
	assert.Equal(t, tools.ErrKindExecution, res.ErrorType)
	assert.Contains(t, res.Error, "no element matches")
}

func TestRefreshSwapsAndRemovesSources(t *testing.T) {
	dialed := 0
	cfg := stdioConfig()
	m := NewManager(cfg, "")
	m.dial = inProcessDial(t, &dialed)
	defer m.Close()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.Func{ToolName: "local"}))

	require.Empty(t, m.Refresh(context.Background(), registry))
	assert.Equal(t, []string{"local", "mcp_browser_click", "mcp_browser_read_page"}, registry.Names())

	require.Empty(t, m.Refresh(context.Background(), registry))
	assert.Equal(t, 2, dialed)
	assert.Equal(t, 3, registry.Len())

	next := config.DefaultConfig()
	m.SetConfig(next)
	require.Empty(t, m.Refresh(context.Background(), registry))
	assert.Equal(t, []string{"local"}, registry.Names())
}

func TestRefreshKeepsToolsOfFailingServer(t *testing.T) {
	dialed := 0
	m := NewManager(stdioConfig(), "")
	m.dial = inProcessDial(t, &dialed)
	defer m.Close()

	registry := tools.NewRegistry()
	require.Empty(t, m.Refresh(context.Background(), registry))

	m.dial = func(ctx context.Context, serverName string, cmd *config.MCPCommandConfig) (toolClient, error) {
		return nil, fmt.Errorf("executable not found")
	}
	errs := m.Refresh(context.Background(), registry)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "browser")
	assert.Equal(t, 2, registry.Len())
}

func TestBuildOpenAPITools(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":1}`)
	}))
	defer api.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.yaml"), []byte(shopSpec), 0o600))

	cfg := config.DefaultConfig()
	cfg.MCP.Servers = map[string]*config.MCPServerConfig{
		"shop": {
			Type: "openapi",
			OpenAPI: &config.MCPOpenAPIConfig{
				SpecPath:        "shop.yaml",
				URL:             api.URL,
				AuthBearerToken: "secret",
			},
		},
	}
	m := NewManager(cfg, dir)

	handles, errs := m.Build(context.Background())
	require.Empty(t, errs)
	require.Len(t, handles, 2)
	assert.Equal(t, "mcp_shop_getcart", handles[0].Name())
	assert.Equal(t, "mcp_shop_additem", handles[1].Name())
	assert.Equal(t, tools.KindObserving, handles[0].(tools.Classified).Kind())

	registry := tools.NewRegistry()
	registry.ReplaceSource(SourcePrefix+"shop", handles)
	inv := tools.NewInvoker(registry, tools.InvokerOptions{})

	res := inv.Invoke(context.Background(), llm.ToolCallRequest{
		Name: "mcp_shop_additem",
		Arguments: map[string]interface{}{
			"cartId": "c1",
			"qty":    float64(9),
			"body":   map[string]interface{}{"sku": "A1"},
		},
	})
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, "/carts/c1/items", gotPath)
	assert.Equal(t, "qty=5", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)

	res = inv.Invoke(context.Background(), llm.ToolCallRequest{Name: "mcp_shop_getcart"})
	assert.Equal(t, tools.ErrKindInvalidArguments, res.ErrorType)
}

func TestBuildReportsBrokenServers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MCP.Servers = map[string]*config.MCPServerConfig{
		"docs": {Type: "openapi", OpenAPI: &config.MCPOpenAPIConfig{SpecPath: "/does/not/exist.yaml", URL: "http://localhost"}},
		"off":  {Type: "openapi", Disabled: true},
	}
	handles, errs := NewManager(cfg, "").Build(context.Background())
	assert.Empty(t, handles)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "docs")
}

func TestToolNames(t *testing.T) {
	usage := map[string]int{}
	assert.Equal(t, "mcp_my_server_get_item", toolName("My Server", "get-item", usage))
	assert.Equal(t, "mcp_my_server_get_item_2", toolName("my-server", "get item", usage))
	assert.Equal(t, "mcp", sanitizeName("!!!"))
}
