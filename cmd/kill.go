package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var killJsonFlag bool

func init() {
	killCmd.Flags().BoolVar(&killJsonFlag, "json", false, "Output as JSON")
}

var killCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Kill a running job",
	Long: `Kill a job: sends SIGTERM to its process group, then SIGKILL if it is still
alive after the server's kill grace period.

Output captured so far stays readable. Killing a finished job does nothing.
Use 'rm' to discard a finished job and its output.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Kill(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if killJsonFlag {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Killing job %s (state: %s)\n", resp.ID, resp.State)
	return nil
}
