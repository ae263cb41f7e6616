package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var waitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "Wait for a job to end",
	Long:  `Block until the job has ended, print its status and exit with its exit code.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWait,
}

var waitTimeoutFlag int
var waitJsonFlag bool

func init() {
	waitCmd.Flags().IntVar(&waitTimeoutFlag, "timeout", 0, "Timeout in seconds (0 waits as long as the server allows)")
	waitCmd.Flags().BoolVar(&waitJsonFlag, "json", false, "Output as JSON")
}

func runWait(cmd *cobra.Command, args []string) error {
	timeout := time.Duration(waitTimeoutFlag) * time.Second

	st, err := newClient().Wait(cmd.Context(), args[0], timeout)
	if err != nil {
		return err
	}

	if waitJsonFlag {
		if err := printJSON(cmd.OutOrStdout(), st); err != nil {
			return err
		}
	} else {
		printStatus(cmd.OutOrStdout(), st)
	}
	return jobExitError(st)
}
