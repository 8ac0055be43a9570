package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/metrics"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/codefionn/agentloop/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveDebug bool
	servePprof bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI and run API",
	Long: `Serve starts an HTTP server with a websocket event stream, a JSON API for
starting and cancelling runs, approval handling, the report history and
Prometheus metrics. MCP servers are reloaded when the config file changes.`,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to the configured web.addr)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Log every websocket message")
	serveCmd.Flags().BoolVar(&servePprof, "pprof", false, "Expose runtime profiles under /debug/pprof/")
}

// agentFactory builds loops for web runs from the current config and
// profiles. Both are swapped when the config file changes.
type agentFactory struct {
	client llm.Client
	tools  *toolset

	mu       sync.RWMutex
	cfg      *config.Config
	profiles map[string]*agent.Profile
}

func (f *agentFactory) Build(req web.StartRequest, approve approval.Decider) (*agent.Loop, error) {
	f.mu.RLock()
	c, profiles := f.cfg, f.profiles
	f.mu.RUnlock()

	profile, err := selectProfile(profiles, req.Profile, c)
	if err != nil {
		return nil, err
	}
	loop := agent.New(f.client, f.tools.invoker, loopOptions(c, profile))
	loop.Window = newWindow(c)
	loop.Gate = approval.NewDeciderGate(approve, approvalPolicy(c, profile))
	return loop, nil
}

func (f *agentFactory) reload(ctx context.Context, c *config.Config) {
	profiles, err := agent.LoadProfiles(config.ProfilesDir())
	if err != nil {
		logger.Warn("profiles not reloaded: %v", err)
	}

	f.mu.Lock()
	f.cfg = c
	if err == nil {
		f.profiles = profiles
	}
	f.mu.Unlock()

	f.tools.manager.SetConfig(c)
	for _, err := range f.tools.manager.Refresh(ctx, f.tools.registry) {
		logger.Warn("mcp: %v", err)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profiles, err := agent.LoadProfiles(config.ProfilesDir())
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	client, key, err := llm.NewClient(ctx, cfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	defer key.Destroy()

	ts := buildToolset(ctx, cfg)
	defer ts.Close()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer st.Close()

	factory := &agentFactory{client: client, tools: ts, cfg: cfg, profiles: profiles}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Web.Addr
	}
	srv, err := web.NewServer(web.Options{
		Addr:      addr,
		AuthToken: cfg.Web.AuthToken,
		Gatherer:  prometheus.DefaultGatherer,
		Profiling: servePprof,
		Debug:     serveDebug,
	}, factory.Build, st, metrics.New(prometheus.DefaultRegisterer))
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "agentloop web UI: %s\n", srv.GetURL())

	go func() {
		if err := config.Watch(ctx, configPath(), func(c *config.Config) {
			factory.reload(ctx, c)
		}); err != nil {
			logger.Warn("config watch stopped: %v", err)
		}
	}()

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "Shutting down...")
	return srv.Stop()
}
