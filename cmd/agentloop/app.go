package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/contextwindow"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/mcp"
	"github.com/codefionn/agentloop/internal/tools"
)

// toolset is the registry, its MCP sources and the invoker over both.
type toolset struct {
	registry *tools.Registry
	manager  *mcp.Manager
	invoker  *tools.Invoker
}

func buildToolset(ctx context.Context, c *config.Config) *toolset {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	reg := tools.NewRegistry()
	mgr := mcp.NewManager(c, wd)
	for _, err := range mgr.Refresh(ctx, reg) {
		logger.Warn("mcp: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	invoker := tools.NewInvoker(reg, tools.InvokerOptions{
		Builtins:       tools.DefaultBuiltins(c.Tools.FetchMaxChars),
		DefaultTimeout: time.Duration(c.Tools.DefaultTimeoutSeconds) * time.Second,
		Timeouts:       c.ToolTimeouts(),
		MaxConcurrency: c.Tools.MaxConcurrency,
	})
	return &toolset{registry: reg, manager: mgr, invoker: invoker}
}

func (t *toolset) Close() {
	if err := t.manager.Close(); err != nil {
		logger.Warn("mcp: close failed: %v", err)
	}
}

// selectProfile resolves name, falling back to the configured default and
// then to chat.
func selectProfile(profiles map[string]*agent.Profile, name string, c *config.Config) (*agent.Profile, error) {
	if name == "" {
		name = c.Agent.DefaultProfile
	}
	if name == "" {
		name = "chat"
	}
	p, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(agent.ProfileNames(profiles), ", "))
	}
	return p, nil
}

// loopOptions layers the configuration and then the profile over the
// package defaults.
func loopOptions(c *config.Config, p *agent.Profile) agent.Options {
	opts := agent.DefaultOptions()
	opts.MaxIterations = c.Agent.MaxIterations
	opts.WallClock = c.WallClock()
	opts.Temperature = c.Agent.Temperature
	if c.Agent.MaxTokens > 0 {
		opts.MaxTokens = c.Agent.MaxTokens
	}
	if c.Agent.ToolResultWindow > 0 {
		opts.ToolResultLimit = c.Agent.ToolResultWindow
	}
	opts.Budget = contextwindow.Budget{
		MaxMessages:        c.Context.MaxMessages,
		MaxTokens:          c.Context.MaxTokens,
		AnchorUserMessages: c.Context.AnchorUserMessages,
	}
	return p.Apply(opts)
}

// approvalPolicy prefers the profile's sensitive tools over the config's.
func approvalPolicy(c *config.Config, p *agent.Profile) approval.Policy {
	if p != nil && (p.Approval.AllSensitive || len(p.Approval.Sensitive) > 0) {
		return p.Approval
	}
	return approval.Policy{Sensitive: c.Approval.Sensitive, AllSensitive: c.Approval.AllSensitive}
}

// newWindow uses token budgets when the config sets one.
func newWindow(c *config.Config) *contextwindow.Window {
	if c.Context.MaxTokens > 0 {
		return contextwindow.New(contextwindow.NewTiktoken(c.Provider.Model))
	}
	return contextwindow.New(nil)
}
