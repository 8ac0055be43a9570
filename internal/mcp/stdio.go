package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/tools"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	clientName      = "agentloop"
	clientVersion   = "0.1.0"
	initTimeout     = 30 * time.Second
	defaultCallTime = 60 * time.Second
)

// toolClient is the subset of the mcp-go client used by the manager.
type toolClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type dialFunc func(ctx context.Context, serverName string, cmd *config.MCPCommandConfig) (toolClient, error)

func dialStdio(_ context.Context, _ string, cmd *config.MCPCommandConfig) (toolClient, error) {
	env := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	c, err := client.NewStdioMCPClient(cmd.Exec[0], env, cmd.Exec[1:]...)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Exec[0], err)
	}
	return c, nil
}

func (m *Manager) buildStdioTools(ctx context.Context, serverName string, serverCfg *config.MCPServerConfig, nameUsage map[string]int) (serverBuild, error) {
	cmdCfg := serverCfg.Command
	if cmdCfg == nil || len(cmdCfg.Exec) == 0 {
		return serverBuild{}, fmt.Errorf("command configuration missing")
	}

	session, err := m.dial(ctx, serverName, cmdCfg)
	if err != nil {
		return serverBuild{}, err
	}

	handles, err := listRemoteTools(ctx, serverName, serverCfg, session, nameUsage)
	if err != nil {
		_ = session.Close()
		return serverBuild{}, err
	}
	return serverBuild{handles: handles, session: session}, nil
}

func listRemoteTools(ctx context.Context, serverName string, serverCfg *config.MCPServerConfig, session toolClient, nameUsage map[string]int) ([]tools.Handle, error) {
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := session.Initialize(initCtx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := session.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	timeout := defaultCallTime
	if serverCfg.Command != nil && serverCfg.Command.TimeoutSeconds > 0 {
		timeout = time.Duration(serverCfg.Command.TimeoutSeconds) * time.Second
	}

	handles := make([]tools.Handle, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		description := t.Description
		if description == "" {
			description = fmt.Sprintf("Call %s on MCP server %s", t.Name, serverName)
		}
		handles = append(handles, &remoteTool{
			name:        toolName(serverName, t.Name, nameUsage),
			remoteName:  t.Name,
			description: description,
			schema:      schema,
			timeout:     timeout,
			session:     session,
		})
	}
	return handles, nil
}

// inputSchema re-encodes the tool definition so raw and structured schemas
// are handled alike.
func inputSchema(t mcp.Tool) (map[string]interface{}, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		InputSchema map[string]interface{} `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	schema := decoded.InputSchema
	if schema == nil {
		schema = map[string]interface{}{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema, nil
}

// remoteTool forwards calls to a tool on an MCP server session.
type remoteTool struct {
	name        string
	remoteName  string
	description string
	schema      map[string]interface{}
	timeout     time.Duration
	session     toolClient
}

func (r *remoteTool) Name() string                       { return r.name }
func (r *remoteTool) Description() string                { return r.description }
func (r *remoteTool) Parameters() map[string]interface{} { return r.schema }

// Kind classifies by the server's own tool name, so a remote "click" is
// treated like a local one.
func (r *remoteTool) Kind() tools.Kind {
	return tools.ClassifyName(r.remoteName)
}

func (r *remoteTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = r.remoteName
	req.Params.Arguments = args

	res, err := r.session.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", r.remoteName, err)
	}

	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return nil, &tools.ToolError{Tool: r.name, Message: text, Kind: tools.ErrKindExecution}
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func joinText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, c := range contents {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
