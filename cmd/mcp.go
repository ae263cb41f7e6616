package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schovi/rexec/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve rexec tools over MCP on stdin/stdout",
	Long: `Run a Model Context Protocol server on stdin/stdout. Its tools start, read,
kill and remove jobs on the rexec server given by --url.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer(mcp.NewToolRegistry(newClient()), Version, cmd.InOrStdin(), cmd.OutOrStdout())
	return server.Run(ctx)
}
