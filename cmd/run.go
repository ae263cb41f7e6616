package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/client"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <command>...",
	Short: "Start a job",
	Long: `Start a job on the server and print its id.

A single argument is a command line: it runs through /bin/sh when it uses
shell syntax. Several arguments are an argument vector executed as is:

  rexec run "make test 2>&1 | tee log"
  rexec run -- grep -r "some pattern" /src

With --follow or --ws the output is streamed until the job ends. With --follow
or --wait, rexec exits with the job's exit code.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runWorkdirFlag string
	runFollowFlag  bool
	runWsFlag      bool
	runWaitFlag    bool
	runJsonFlag    bool
)

func init() {
	runCmd.Flags().StringVarP(&runWorkdirFlag, "workdir", "C", "", "Absolute working directory on the server (created if missing)")
	runCmd.Flags().BoolVarP(&runFollowFlag, "follow", "f", false, "Stream output until the job ends")
	runCmd.Flags().BoolVar(&runWsFlag, "ws", false, "Stream output over a WebSocket until the job ends")
	runCmd.Flags().BoolVar(&runWaitFlag, "wait", false, "Wait for the job to end and print its status")
	runCmd.Flags().BoolVar(&runJsonFlag, "json", false, "Output as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	req := api.RunRequest{Workdir: runWorkdirFlag}
	if len(args) == 1 {
		req.Command = args[0]
	} else {
		req.Cmd = args
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := newClient()
	st, err := c.Submit(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case runFollowFlag || runWsFlag:
		if err := streamOutput(ctx, c, st.ID, 0, out, runWsFlag); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	case runWaitFlag:
	default:
		if runJsonFlag {
			return printJSON(out, st)
		}
		fmt.Fprintln(out, st.ID)
		return nil
	}

	st, err = c.Wait(ctx, st.ID, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if runJsonFlag {
		if err := printJSON(out, st); err != nil {
			return err
		}
	} else if runWaitFlag {
		printStatus(out, st)
	}
	return jobExitError(st)
}

func streamOutput(ctx context.Context, c *client.Client, id string, offset int64, w io.Writer, websocket bool) error {
	var err error
	if websocket {
		_, err = c.Watch(ctx, id, offset, w)
	} else {
		_, err = c.Follow(ctx, id, offset, w)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// jobExitError maps a finished job onto the exit status of this process.
func jobExitError(st api.JobStatus) error {
	switch {
	case st.State == api.StateExited && st.ExitCode != nil && *st.ExitCode == 0:
		return nil
	case st.State == api.StateExited && st.ExitCode != nil:
		return &exitError{code: *st.ExitCode}
	case st.State == api.StateKilled:
		return &exitError{code: 137}
	}
	return &exitError{code: 1}
}
