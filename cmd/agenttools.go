package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchard/internal/agenttools"
)

var agentToolsCmd = &cobra.Command{
	Use:    "agent-tools",
	Short:  "Run the worktree-local agent tool server (stdio)",
	Hidden: true,
	Long: `Serve the agent-side tool protocol over stdio. Referenced by each
worktree's .mcp.json; the agent process launches it with WORKTREE_ID set.`,
	RunE: runAgentTools,
}

func init() {
	rootCmd.AddCommand(agentToolsCmd)
}

func runAgentTools(cmd *cobra.Command, args []string) error {
	worktreeID := os.Getenv("WORKTREE_ID")
	if worktreeID == "" {
		return fmt.Errorf("WORKTREE_ID is not set")
	}

	notifier := agenttools.NewDaemonNotifier(cfg.DaemonAddr, worktreeID)
	server := agenttools.NewAgentToolServer(version, notifier)
	return server.Serve(context.Background(), os.Stdin, os.Stdout)
}
