package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all jobs",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var listJsonFlag bool

func init() {
	listCmd.Flags().BoolVar(&listJsonFlag, "json", false, "Output as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	jobs, err := newClient().List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if listJsonFlag {
		return printJSON(out, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return nil
	}
	for _, j := range jobs {
		elapsed := formatDuration(time.Duration(j.ElapsedMS) * time.Millisecond)
		fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", j.ID, describeState(j), j.PID, elapsed, j.Command)
	}
	return nil
}
