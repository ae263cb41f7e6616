package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/rexec/internal/api"
)

var statusJsonFlag bool

func init() {
	statusCmd.Flags().BoolVar(&statusJsonFlag, "json", false, "Output as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show job status",
	Long:  `Display the state of a job: running, exited with its code, killed with its signal, or failed with a reason. Also shows PID, command, timing and how much output was captured.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := newClient().Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if statusJsonFlag {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st api.JobStatus) {
	fmt.Fprintf(w, "Job:     %s\n", st.ID)
	fmt.Fprintf(w, "State:   %s\n", describeState(st))
	fmt.Fprintf(w, "PID:     %d\n", st.PID)
	fmt.Fprintf(w, "Command: %s\n", st.Command)
	if st.Workdir != "" {
		fmt.Fprintf(w, "Workdir: %s\n", st.Workdir)
	}
	fmt.Fprintf(w, "Mode:    %s\n", st.Mode)
	fmt.Fprintf(w, "Started: %s\n", st.StartedAt.Format(time.RFC3339))
	if st.EndedAt != nil {
		fmt.Fprintf(w, "Ended:   %s\n", st.EndedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Elapsed: %s\n", formatDuration(time.Duration(st.ElapsedMS)*time.Millisecond))
	fmt.Fprintf(w, "Output:  %d bytes\n", st.OutputLen)
}

func describeState(st api.JobStatus) string {
	switch st.State {
	case api.StateExited:
		if st.ExitCode != nil {
			return fmt.Sprintf("exited (code %d)", *st.ExitCode)
		}
	case api.StateKilled:
		if st.Signal != "" {
			return fmt.Sprintf("killed (%s)", st.Signal)
		}
	case api.StateFailed:
		if st.Reason != "" {
			return fmt.Sprintf("failed (%s)", st.Reason)
		}
	}
	return st.State
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm%ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
