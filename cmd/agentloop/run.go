package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	runProfile       string
	runProvider      string
	runModel         string
	runMaxIterations int
	runTimeout       time.Duration
	runYes           bool
	runNoSave        bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one agent task in the terminal",
	Long: `Run one agent task. The prompt is taken from the arguments or, when none
are given, from standard input. Tokens stream to stdout, tool activity is
shown as it happens and a report is printed at the end.

Sensitive tool calls are confirmed on the terminal. Without a terminal they
are rejected unless --yes is given. Ctrl-C stops the run.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().StringVarP(&runProfile, "profile", "p", "", "Agent profile (chat, browser, research or a custom one)")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Model provider (openai, anthropic, google)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model name")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Maximum tool-executing iterations (0 stops before the first model call)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Wall-clock limit for the run, e.g. 5m")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every sensitive tool call")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "Do not save the report to the history")
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	stdinTTY := term.IsTerminal(int(os.Stdin.Fd()))
	stdoutTTY := term.IsTerminal(int(os.Stdout.Fd()))

	if len(args) == 0 && stdinTTY {
		return errors.New("no prompt given")
	}
	prompt, err := readPrompt(args, os.Stdin)
	if err != nil {
		return err
	}
	if prompt == "" {
		return errors.New("prompt is empty")
	}

	runCfg := *cfg
	if runProvider != "" {
		runCfg.Provider.Name = runProvider
	}
	if runModel != "" {
		runCfg.Provider.Model = runModel
	}
	if err := runCfg.Validate(); err != nil {
		return err
	}

	profiles, err := agent.LoadProfiles(config.ProfilesDir())
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}
	profile, err := selectProfile(profiles, runProfile, &runCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, key, err := llm.NewClient(ctx, runCfg.Provider)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}
	defer key.Destroy()

	ts := buildToolset(ctx, &runCfg)
	defer ts.Close()

	opts := loopOptions(&runCfg, profile)
	if cmd.Flags().Changed("max-iterations") {
		opts.MaxIterations = runMaxIterations
	}
	if runTimeout > 0 {
		opts.WallClock = runTimeout
	}

	// Approvals are asked interactively only when stdin is a terminal
	approver := newTerminalApprover(os.Stdin, os.Stderr, stdinTTY, runYes)
	loop := agent.New(client, ts.invoker, opts)
	loop.Window = newWindow(&runCfg)
	loop.Gate = approval.NewGate(approver.Approve, approvalPolicy(&runCfg, profile))

	logger.Info("run: profile=%s provider=%s model=%s", profile.Name, runCfg.Provider.Name, client.ModelName())
	out := loop.Run(ctx, []*llm.Message{llm.NewMessage(llm.RoleUser, prompt)}, &printer{out: os.Stdout})

	if !runNoSave {
		saveReport(runCfg.StorePath, out.Report)
	}

	width := 80
	if stdoutTTY {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = w
		}
	}
	fmt.Fprintln(os.Stdout)
	fmt.Fprint(os.Stdout, renderMarkdown(out.Report.Markdown(), width, stdoutTTY))

	if out.Status == report.StatusError {
		return out.Err
	}
	return nil
}

func saveReport(path string, rep *report.Report) {
	if rep == nil {
		return
	}
	st, err := store.Open(path)
	if err != nil {
		logger.Warn("report not saved: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: report not saved: %v\n", err)
		return
	}
	defer st.Close()
	if err := st.Save(rep); err != nil {
		logger.Warn("report not saved: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: report not saved: %v\n", err)
	}
}
