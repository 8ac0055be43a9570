package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/codefionn/agentloop/internal/report"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	reportsLimit  int
	reportsStatus string
	reportsJSON   bool
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Browse the history of finished runs",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := report.Status(reportsStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("invalid status %q", reportsStatus)
		}
		return withStore(func(st *store.Store) error {
			records, err := st.List(reportsLimit, status)
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), records)
		})
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			rep, err := st.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if reportsJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			styled := term.IsTerminal(int(os.Stdout.Fd()))
			width := 80
			if styled {
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					width = w
				}
			}
			fmt.Fprint(out, renderMarkdown(rep.Markdown(), width, styled))
			return nil
		})
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			return st.Delete(args[0])
		})
	},
}

var reportsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-tool totals across all reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			totals, err := st.ToolTotals()
			if err != nil {
				return err
			}
			return writeToolTotals(cmd.OutOrStdout(), totals)
		})
	},
}

func init() {
	reportsListCmd.Flags().IntVarP(&reportsLimit, "limit", "n", 20, "Maximum number of reports (0 for all)")
	reportsListCmd.Flags().StringVar(&reportsStatus, "status", "", "Only reports with this status")
	reportsShowCmd.Flags().BoolVar(&reportsJSON, "json", false, "Print the report as JSON")

	reportsCmd.AddCommand(reportsListCmd, reportsShowCmd, reportsDeleteCmd, reportsStatsCmd)
}

func withStore(fn func(*store.Store) error) error {
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer st.Close()
	return fn(st)
}

func writeRecords(w io.Writer, records []store.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No reports.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tSTATUS\tITERATIONS\tTOOL CALLS\tSUMMARY")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Status, r.Iterations, r.ToolCalls, r.Summary)
	}
	return tw.Flush()
}

func writeToolTotals(w io.Writer, totals []store.ToolTotal) error {
	if len(totals) == 0 {
		_, err := fmt.Fprintln(w, "No tool calls recorded.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tRUNS\tCALLS\tFAILURES\tFAILURE RATE")
	for _, t := range totals {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.1f%%\n", t.Name, t.Runs, t.Calls, t.Failures, t.FailureRate)
	}
	return tw.Flush()
}
