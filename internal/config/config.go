package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
	"github.com/go-playground/validator/v10"
)

const appName = "agentloop"

// Environment variables that override the file configuration.
const (
	EnvLogLevel = "AGENTLOOP_LOG_LEVEL"
	EnvLogPath  = "AGENTLOOP_LOG_PATH"
)

var validate = validator.New()

// ProviderConfig selects and tunes the model provider
type ProviderConfig struct {
	Name              string `json:"name" validate:"required,oneof=openai anthropic google"`
	Model             string `json:"model" validate:"required"`
	APIKey            string `json:"api_key,omitempty"`
	APIKeyEnv         string `json:"api_key_env,omitempty"`
	BaseURL           string `json:"base_url,omitempty" validate:"omitempty,url"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty" validate:"min=0"`
	TokensPerMinute   int    `json:"tokens_per_minute,omitempty" validate:"min=0"`
	MaxRetries        int    `json:"max_retries" validate:"min=0,max=10"`
	RetryBaseDelayMS  int    `json:"retry_base_delay_ms,omitempty" validate:"min=0"`
	RetryMaxDelayMS   int    `json:"retry_max_delay_ms,omitempty" validate:"min=0"`
}

// ResolveAPIKey returns the inline key, falling back to the configured env var
// and then the provider's conventional variable.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	switch p.Name {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "google":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// AgentConfig holds loop defaults used when a profile leaves a value unset
type AgentConfig struct {
	DefaultProfile   string  `json:"default_profile,omitempty"`
	MaxIterations    int     `json:"max_iterations" validate:"min=0"`
	WallClockSeconds int     `json:"wall_clock_seconds" validate:"min=0"`
	Temperature      float64 `json:"temperature" validate:"min=0,max=2"`
	MaxTokens        int     `json:"max_tokens" validate:"min=0"`
	ToolResultWindow int     `json:"tool_result_window,omitempty" validate:"min=0"`
}

// ContextConfig bounds the history sent to the model
type ContextConfig struct {
	MaxMessages        int `json:"max_messages" validate:"min=0"`
	MaxTokens          int `json:"max_tokens,omitempty" validate:"min=0"`
	AnchorUserMessages int `json:"anchor_user_messages" validate:"min=0"`
}

// ToolsConfig tunes tool execution
type ToolsConfig struct {
	DefaultTimeoutSeconds int            `json:"default_timeout_seconds" validate:"min=0"`
	Timeouts              map[string]int `json:"timeouts,omitempty"`
	MaxConcurrency        int            `json:"max_concurrency,omitempty" validate:"min=0"`
	FetchMaxChars         int            `json:"fetch_max_chars,omitempty" validate:"min=0"`
}

// ApprovalConfig lists tools that need a human decision before running
type ApprovalConfig struct {
	Sensitive    []string `json:"sensitive,omitempty"`
	AllSensitive bool     `json:"all_sensitive,omitempty"`
}

// MCPConfig stores user-defined MCP servers
type MCPConfig struct {
	Servers map[string]*MCPServerConfig `json:"servers"`
}

// MCPServerConfig describes a custom MCP server
type MCPServerConfig struct {
	Type        string            `json:"type" validate:"required,oneof=stdio openapi"`
	Description string            `json:"description,omitempty"`
	Command     *MCPCommandConfig `json:"command,omitempty" validate:"required_if=Type stdio"`
	OpenAPI     *MCPOpenAPIConfig `json:"openapi,omitempty" validate:"required_if=Type openapi"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// MCPCommandConfig describes a command-based MCP server
type MCPCommandConfig struct {
	Exec           []string          `json:"exec" validate:"min=1"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" validate:"min=0"`
}

// MCPOpenAPIConfig describes an OpenAPI-powered tool source
type MCPOpenAPIConfig struct {
	SpecPath        string            `json:"spec_path"`
	URL             string            `json:"url"`
	DefaultHeaders  map[string]string `json:"default_headers,omitempty"`
	DefaultQuery    map[string]string `json:"default_query,omitempty"`
	AuthBearerToken string            `json:"auth_bearer_token,omitempty"`
	AuthBearerEnv   string            `json:"auth_bearer_env,omitempty"`
}

// WebConfig configures the event/approval web server
type WebConfig struct {
	Addr      string `json:"addr" validate:"required,hostname_port"`
	AuthToken string `json:"auth_token,omitempty"`
}

// Config represents application configuration
type Config struct {
	LogLevel  string         `json:"log_level" validate:"omitempty,oneof=debug info warn warning error none off"`
	LogPath   string         `json:"log_path,omitempty"`
	StorePath string         `json:"store_path,omitempty"`
	Provider  ProviderConfig `json:"provider"`
	Agent     AgentConfig    `json:"agent"`
	Context   ContextConfig  `json:"context"`
	Tools     ToolsConfig    `json:"tools"`
	Approval  ApprovalConfig `json:"approval"`
	MCP       MCPConfig      `json:"mcp,omitempty"`
	Web       WebConfig      `json:"web"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		LogLevel:  "info",
		LogPath:   filepath.Join(stateDir, appName+".log"),
		StorePath: filepath.Join(stateDir, "reports.db"),
		Provider: ProviderConfig{
			Name:             "openai",
			Model:            "gpt-4.1-mini",
			MaxRetries:       3,
			RetryBaseDelayMS: 500,
			RetryMaxDelayMS:  8000,
		},
		Agent: AgentConfig{
			MaxIterations:    consts.DefaultMaxIterations,
			WallClockSeconds: int(consts.DefaultWallClock / time.Second),
			Temperature:      consts.DefaultTemperature,
			MaxTokens:        consts.DefaultMaxTokens,
			ToolResultWindow: consts.DefaultToolResultHistory,
		},
		Context: ContextConfig{
			MaxMessages:        consts.DefaultMaxMessages,
			AnchorUserMessages: consts.DefaultAnchorUserMessages,
		},
		Tools: ToolsConfig{
			DefaultTimeoutSeconds: int(consts.DefaultToolTimeout / time.Second),
			Timeouts:              make(map[string]int),
			FetchMaxChars:         consts.DefaultFetchMaxChars,
		},
		MCP: MCPConfig{
			Servers: make(map[string]*MCPServerConfig),
		},
		Web: WebConfig{
			Addr: "127.0.0.1:7878",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults;
// fields present in the file override them.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.applyEnv()
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	stateDir := defaultStateDir()
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(stateDir, appName+".log")
	}
	if config.StorePath == "" {
		config.StorePath = filepath.Join(stateDir, "reports.db")
	}
	if config.Tools.Timeouts == nil {
		config.Tools.Timeouts = make(map[string]int)
	}
	if config.MCP.Servers == nil {
		config.MCP.Servers = make(map[string]*MCPServerConfig)
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if level := strings.TrimSpace(os.Getenv(EnvLogLevel)); level != "" {
		c.LogLevel = level
	}
	if path := strings.TrimSpace(os.Getenv(EnvLogPath)); path != "" {
		c.LogPath = path
	}
}

// Validate checks struct tags on the configuration and every MCP server.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, srv := range c.MCP.Servers {
		if srv == nil {
			continue
		}
		if err := validate.Struct(srv); err != nil {
			return fmt.Errorf("invalid mcp server %q: %w", name, err)
		}
	}
	return nil
}

// ToolTimeout returns the execution timeout for the named tool.
func (c *Config) ToolTimeout(name string) time.Duration {
	if secs, ok := c.Tools.Timeouts[name]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if c.Tools.DefaultTimeoutSeconds > 0 {
		return time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second
	}
	return consts.DefaultToolTimeout
}

// ToolTimeouts returns the per-tool overrides as durations.
func (c *Config) ToolTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Tools.Timeouts))
	for name, secs := range c.Tools.Timeouts {
		if secs > 0 {
			out[name] = time.Duration(secs) * time.Second
		}
	}
	return out
}

// WallClock returns the per-invocation ceiling, zero meaning unlimited.
func (c *Config) WallClock() time.Duration {
	return time.Duration(c.Agent.WallClockSeconds) * time.Second
}

// EnabledMCPServers returns the names of servers that are not disabled, sorted.
func (c *Config) EnabledMCPServers() []string {
	names := make([]string, 0, len(c.MCP.Servers))
	for name, srv := range c.MCP.Servers {
		if srv == nil || srv.Disabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// ProfilesDir returns the directory holding agent profile YAML files.
func ProfilesDir() string {
	return filepath.Join(defaultConfigDir(), "profiles")
}
