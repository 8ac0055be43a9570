package report

import (
	"fmt"
	"strings"
	"time"
)

// Markdown renders the report for terminals and the web UI.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run report: %s\n\n", r.Status)
	b.WriteString(r.Summary)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "- **Termination:** %s\n", r.Termination)
	fmt.Fprintf(&b, "- **Iterations:** %d", r.Iterations)
	if r.MaxIterations > 0 {
		fmt.Fprintf(&b, " of %d", r.MaxIterations)
	}
	b.WriteString("\n")
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "- **Duration:** %s\n", r.Duration().Round(time.Millisecond))
	}
	if r.RecoveryCount > 0 {
		fmt.Fprintf(&b, "- **Recovery actions:** %d\n", r.RecoveryCount)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", r.ErrorMessage)
	}
	b.WriteString("\n")

	if len(r.ToolStats) > 0 {
		b.WriteString("## Tools\n\n")
		b.WriteString("| Tool | Calls | Succeeded | Failed | Time |\n")
		b.WriteString("|------|------:|----------:|-------:|-----:|\n")
		for _, s := range r.ToolStats {
			fmt.Fprintf(&b, "| `%s` | %d | %d | %d | %s |\n",
				s.Name, s.Calls, s.Successes, s.Failures, s.TotalDuration.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}

	writeList(&b, "Achievements", r.Achievements)
	writeList(&b, "Issues", r.Issues)
	writeList(&b, "Next steps", r.NextSteps)

	if r.FinalMessage != "" {
		b.WriteString("## Final answer\n\n")
		b.WriteString(r.FinalMessage)
		b.WriteString("\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}
