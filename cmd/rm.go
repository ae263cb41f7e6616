package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <id>...",
	Short: "Remove finished jobs",
	Long: `Remove finished jobs and permanently delete their output.

Running jobs cannot be removed; kill them first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func runRm(cmd *cobra.Command, args []string) error {
	c := newClient()
	for _, id := range args {
		if err := c.Remove(cmd.Context(), id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", id)
	}
	return nil
}
