package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/tools"
)

// SourcePrefix marks registry sources owned by the manager.
const SourcePrefix = "mcp:"

// Manager converts MCP server definitions into executable tools and keeps
// the sessions of command servers alive until Close.
type Manager struct {
	mu         sync.Mutex
	cfg        *config.Config
	workingDir string
	httpClient *http.Client
	dial       dialFunc
	sessions   map[string]toolClient
	sources    map[string]bool
}

// NewManager creates a new MCP manager. Relative OpenAPI spec paths are
// resolved against workingDir.
func NewManager(cfg *config.Config, workingDir string) *Manager {
	return &Manager{
		cfg:        cfg,
		workingDir: workingDir,
		httpClient: &http.Client{Timeout: consts.DefaultToolTimeout},
		dial:       dialStdio,
		sessions:   make(map[string]toolClient),
		sources:    make(map[string]bool),
	}
}

// SetConfig replaces the configuration used by the next Build or Refresh.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

type serverBuild struct {
	handles []tools.Handle
	session toolClient
}

// Build materializes every enabled server. Servers that fail are reported
// in the error slice and skipped.
func (m *Manager) Build(ctx context.Context) ([]tools.Handle, []error) {
	builds, errs := m.buildAll(ctx)

	m.mu.Lock()
	var stale []toolClient
	var result []tools.Handle
	for _, name := range sortedBuildNames(builds) {
		b := builds[name]
		stale = append(stale, m.adoptSession(name, b.session))
		result = append(result, b.handles...)
	}
	m.mu.Unlock()

	closeAll(stale)
	return result, errs
}

// Refresh rebuilds every server and swaps each server's tools into the
// registry as one source. A server that fails to build keeps its previous
// tools; a server removed from config loses them.
func (m *Manager) Refresh(ctx context.Context, registry *tools.Registry) []error {
	builds, errs := m.buildAll(ctx)

	m.mu.Lock()
	enabled := make(map[string]bool)
	if m.cfg != nil {
		for _, name := range m.cfg.EnabledMCPServers() {
			enabled[name] = true
		}
	}

	var stale []toolClient
	for _, name := range sortedBuildNames(builds) {
		b := builds[name]
		registry.ReplaceSource(SourcePrefix+name, b.handles)
		m.sources[name] = true
		stale = append(stale, m.adoptSession(name, b.session))
	}
	for name := range m.sources {
		if enabled[name] {
			continue
		}
		registry.ReplaceSource(SourcePrefix+name, nil)
		delete(m.sources, name)
		stale = append(stale, m.adoptSession(name, nil))
		logger.Info("mcp: removed tools of server %s", name)
	}
	m.mu.Unlock()

	closeAll(stale)
	return errs
}

// adoptSession stores session for name and returns the one it replaces.
func (m *Manager) adoptSession(name string, session toolClient) toolClient {
	old := m.sessions[name]
	if session == nil {
		delete(m.sessions, name)
	} else {
		m.sessions[name] = session
	}
	if old == session {
		return nil
	}
	return old
}

// Close terminates every open MCP session.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]toolClient)
	m.mu.Unlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) buildAll(ctx context.Context) (map[string]serverBuild, []error) {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	if cfg == nil {
		return nil, nil
	}

	var (
		builds    = make(map[string]serverBuild)
		errs      []error
		nameUsage = make(map[string]int)
	)
	for _, serverName := range cfg.EnabledMCPServers() {
		serverCfg := cfg.MCP.Servers[serverName]
		b, err := m.buildServer(ctx, serverName, serverCfg, nameUsage)
		if err != nil {
			logger.Warn("mcp: server %s unavailable: %v", serverName, err)
			errs = append(errs, fmt.Errorf("%s: %w", serverName, err))
			continue
		}
		logger.Debug("mcp: server %s provides %d tools", serverName, len(b.handles))
		builds[serverName] = b
	}
	return builds, errs
}

func (m *Manager) buildServer(ctx context.Context, serverName string, serverCfg *config.MCPServerConfig, nameUsage map[string]int) (serverBuild, error) {
	switch strings.ToLower(serverCfg.Type) {
	case "stdio":
		return m.buildStdioTools(ctx, serverName, serverCfg, nameUsage)
	case "openapi":
		handles, err := m.buildOpenAPITools(serverName, serverCfg, nameUsage)
		return serverBuild{handles: handles}, err
	default:
		return serverBuild{}, fmt.Errorf("unsupported MCP server type: %s", serverCfg.Type)
	}
}

func closeAll(sessions []toolClient) {
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			logger.Debug("mcp: closing session: %v", err)
		}
	}
}

func sortedBuildNames(builds map[string]serverBuild) []string {
	names := make([]string, 0, len(builds))
	for name := range builds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sanitizeName(name string) string {
	if name == "" {
		return "mcp"
	}
	name = strings.ToLower(name)
	var b strings.Builder
	prevUnderscore := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	result := strings.Trim(b.String(), "_")
	if result == "" {
		return "mcp"
	}
	return result
}

// toolName builds the registry name mcp_<server>_<tool>.
func toolName(server, tool string, usage map[string]int) string {
	return uniqueToolName(fmt.Sprintf("mcp_%s_%s", sanitizeName(server), sanitizeName(tool)), usage)
}

func uniqueToolName(base string, usage map[string]int) string {
	count := usage[base]
	usage[base] = count + 1
	if count == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, count+1)
}

func cloneStringMap(input map[string]string) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
