package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/codefionn/agentloop/internal/agent"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tools agents can call",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List builtin and MCP tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ts := buildToolset(context.Background(), cfg)
		defer ts.Close()
		return writeTools(cmd.OutOrStdout(), ts.invoker.ListSchemas(nil))
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List agent profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := agent.LoadProfiles(config.ProfilesDir())
		if err != nil {
			return err
		}
		return writeProfiles(cmd.OutOrStdout(), profiles)
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
}

func writeTools(w io.Writer, schemas []llm.ToolSchema) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, s := range schemas {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, firstLine(s.Description))
	}
	return tw.Flush()
}

func writeProfiles(w io.Writer, profiles map[string]*agent.Profile) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, name := range agent.ProfileNames(profiles) {
		fmt.Fprintf(tw, "%s\t%s\n", name, firstLine(profiles[name].Description))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
