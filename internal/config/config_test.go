package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogPath, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Agent.MaxIterations, cfg.Agent.MaxIterations)
	assert.Equal(t, def.Provider.Name, cfg.Provider.Name)
	assert.Equal(t, 2, cfg.Context.AnchorUserMessages)
}

func TestLoadPartialOverridesDefaults(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogPath, "")

	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "provider": {"name": "anthropic", "model": "claude-sonnet-4-5"},
  "agent": {"max_iterations": 7},
  "tools": {"timeouts": {"fetch_page": 12}}
}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Provider.Name)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, 12*time.Second, cfg.ToolTimeout("fetch_page"))
	assert.Equal(t, 30*time.Second, cfg.ToolTimeout("search"))
	assert.NotEmpty(t, cfg.LogPath)
	assert.NotNil(t, cfg.MCP.Servers)
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"provider": {"name": "bogus", "model": "x"}}`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsIncompleteMCPServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"mcp": {"servers": {"files": {"type": "stdio"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "files")
}

func TestEnvOverridesLogSettings(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogPath, "/tmp/agentloop-test.log")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/agentloop-test.log", cfg.LogPath)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogPath, "")

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Approval.Sensitive = []string{"click", "type"}
	cfg.MCP.Servers["docs"] = &MCPServerConfig{
		Type:    "openapi",
		OpenAPI: &MCPOpenAPIConfig{SpecPath: "/tmp/spec.yaml"},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"click", "type"}, loaded.Approval.Sensitive)
	assert.Equal(t, []string{"docs"}, loaded.EnabledMCPServers())
}

func TestEnabledMCPServersSkipsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MCP.Servers["b"] = &MCPServerConfig{Type: "stdio"}
	cfg.MCP.Servers["a"] = &MCPServerConfig{Type: "stdio"}
	cfg.MCP.Servers["c"] = &MCPServerConfig{Type: "stdio", Disabled: true}

	assert.Equal(t, []string{"a", "b"}, cfg.EnabledMCPServers())
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("MY_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "conventional")

	assert.Equal(t, "inline", ProviderConfig{Name: "openai", APIKey: "inline"}.ResolveAPIKey())
	assert.Equal(t, "from-env", ProviderConfig{Name: "openai", APIKeyEnv: "MY_KEY"}.ResolveAPIKey())
	assert.Equal(t, "conventional", ProviderConfig{Name: "openai"}.ResolveAPIKey())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogPath, "")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"agent": {"max_iterations": 3}}`), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"agent": {"max_iterations": 9}}`), 0644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9, cfg.Agent.MaxIterations)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
