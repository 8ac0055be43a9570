package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/llm"
)

var (
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	recoveryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	approvalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
)

// maxArgsWidth truncates argument previews.
const maxArgsWidth = 120

// terminalApprover asks on the terminal before sensitive calls run.
type terminalApprover struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	autoApprove bool
	mu          sync.Mutex
}

func newTerminalApprover(in io.Reader, out io.Writer, interactive, autoApprove bool) *terminalApprover {
	return &terminalApprover{in: bufio.NewReader(in), out: out, interactive: interactive, autoApprove: autoApprove}
}

// Approve implements approval.Callback. Without a terminal it rejects unless
// auto-approval is on.
func (a *terminalApprover) Approve(ctx context.Context, calls []llm.ToolCallRequest) (bool, error) {
	if a.autoApprove {
		return true, nil
	}
	if !a.interactive {
		fmt.Fprintln(a.out, failStyle.Render("Rejected sensitive tool calls: no terminal to ask (use --yes to approve)"))
		return false, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var b strings.Builder
	b.WriteString("The agent wants to run:\n")
	for _, call := range calls {
		fmt.Fprintf(&b, "\n  %s %s", toolStyle.Render(call.Name), dimStyle.Render(formatArgs(call.Arguments)))
	}
	fmt.Fprintln(a.out, approvalStyle.Render(b.String()))
	fmt.Fprint(a.out, "Allow? [y/N] ")

	answer := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := a.in.ReadString('\n')
		if err != nil && line == "" {
			errCh <- err
			return
		}
		answer <- line
	}()

	select {
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	case err := <-errCh:
		if err == io.EOF {
			fmt.Fprintln(a.out)
			return false, nil
		}
		return false, err
	case <-ctx.Done():
		fmt.Fprintln(a.out)
		return false, ctx.Err()
	}
}

// printer renders run events as they arrive.
type printer struct {
	out     io.Writer
	verbose bool
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
}

func (p *printer) Emit(ev events.Event) error {
	switch ev.Type {
	case events.TypeModelDelta:
		if ev.Delta == "" {
			return nil
		}
		fmt.Fprint(p.out, ev.Delta)
		p.midLine = !strings.HasSuffix(ev.Delta, "\n")
		return nil
	case events.TypeToolCallPlanned:
		if ev.ToolCall != nil {
			p.line(fmt.Sprintf("%s %s %s", toolStyle.Render("→"), toolStyle.Render(ev.ToolCall.Name), dimStyle.Render(formatArgs(ev.ToolCall.Arguments))))
		}
	case events.TypeToolResult:
		if r := ev.ToolResult; r != nil {
			if r.OK() {
				p.line(fmt.Sprintf("%s %s %s", okStyle.Render("✓"), r.ToolName, dimStyle.Render(r.Duration.Round(time.Millisecond).String())))
			} else {
				p.line(fmt.Sprintf("%s %s: %s", failStyle.Render("✗"), r.ToolName, r.Error))
			}
		}
	case events.TypeRecoveryAction:
		if rec := ev.Recovery; rec != nil {
			p.line(recoveryStyle.Render(fmt.Sprintf("↺ %s: %s", rec.Kind, rec.Message)))
		}
	case events.TypeApprovalResolved:
		if ap := ev.Approval; ap != nil && !ap.Approved {
			p.line(failStyle.Render("✗ " + ap.Reason))
		}
	case events.TypeCompletion, events.TypeError:
		if p.midLine {
			fmt.Fprintln(p.out)
			p.midLine = false
		}
	}
	return nil
}

func (p *printer) line(s string) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintln(p.out, s)
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	s := string(data)
	if len(s) > maxArgsWidth {
		s = s[:maxArgsWidth-3] + "..."
	}
	return s
}

// renderMarkdown renders md for a terminal of the given width, falling back
// to the raw text when styling fails.
func renderMarkdown(md string, width int, styled bool) string {
	if !styled {
		return md
	}
	if width <= 0 {
		width = 80
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
