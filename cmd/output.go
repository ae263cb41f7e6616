package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/schovi/rexec/internal/wait"
	"github.com/schovi/rexec/internal/vterm"
)

var outputCmd = &cobra.Command{
	Use:   "output <id>",
	Short: "Read output from a job",
	Long: `Read output from a job, starting at --offset (default: the beginning).

By default, returns what the job has produced so far.
Use --wait or --settle for a blocking read.
Use --follow or --ws to stream until the job ends.

The next offset to read from is printed with --json, and to stderr otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: runOutput,
}

var (
	outputOffsetFlag    int64
	outputWaitFlag      string
	outputSettleFlag    int
	outputTimeoutFlag   int
	outputStripAnsiFlag bool
	outputScreenFlag    bool
	outputJsonFlag      bool
	outputFollowFlag    bool
	outputWsFlag        bool
)

func init() {
	outputCmd.Flags().Int64Var(&outputOffsetFlag, "offset", 0, "Byte offset to start reading from")
	outputCmd.Flags().StringVar(&outputWaitFlag, "wait", "", "Wait for regex pattern match")
	outputCmd.Flags().IntVar(&outputSettleFlag, "settle", 0, "Wait for N ms of silence")
	outputCmd.Flags().IntVar(&outputTimeoutFlag, "timeout", 10, "Max wait time in seconds (for blocking modes)")
	outputCmd.Flags().BoolVar(&outputStripAnsiFlag, "strip-ansi", false, "Strip ANSI escape codes")
	outputCmd.Flags().BoolVar(&outputScreenFlag, "screen", false, "Render the output as a terminal screen")
	outputCmd.Flags().BoolVar(&outputJsonFlag, "json", false, "Output as JSON")
	outputCmd.Flags().BoolVarP(&outputFollowFlag, "follow", "f", false, "Follow output until the job ends (like tail -f)")
	outputCmd.Flags().BoolVar(&outputWsFlag, "ws", false, "Follow output over a WebSocket")
}

type outputResult struct {
	Output   string `json:"output"`
	Offset   int64  `json:"offset"`
	Final    bool   `json:"final"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func runOutput(cmd *cobra.Command, args []string) error {
	id := args[0]
	c := newClient()

	if outputFollowFlag || outputWsFlag {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return streamOutput(ctx, c, id, outputOffsetFlag, cmd.OutOrStdout(), outputWsFlag)
	}

	var res outputResult
	var waitErr error
	if outputWaitFlag != "" || outputSettleFlag > 0 {
		r, err := wait.ForOutput(cmd.Context(), c.Reader(id), wait.Config{
			Pattern:     outputWaitFlag,
			Settle:      time.Duration(outputSettleFlag) * time.Millisecond,
			Timeout:     time.Duration(outputTimeoutFlag) * time.Second,
			StartOffset: outputOffsetFlag,
		})
		switch {
		case errors.Is(err, wait.ErrTimeout), errors.Is(err, wait.ErrNoMatch):
			res.TimedOut = errors.Is(err, wait.ErrTimeout)
			waitErr = err
		case err != nil:
			return err
		}
		res.Output, res.Offset, res.Final = r.Output, r.Offset, r.Final
	} else {
		chunk, err := c.Output(cmd.Context(), id, outputOffsetFlag)
		if err != nil {
			return err
		}
		res.Output, res.Offset, res.Final = string(chunk.Data), chunk.Offset, chunk.Final
	}

	switch {
	case outputScreenFlag:
		res.Output = vterm.Screen(res.Output, vterm.DefaultCols, vterm.DefaultRows, false)
	case outputStripAnsiFlag:
		res.Output = vterm.Strip(res.Output, vterm.DefaultCols)
	}

	if outputJsonFlag {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), res.Output)
		fmt.Fprintf(cmd.ErrOrStderr(), "offset: %d\n", res.Offset)
	}
	return waitErr
}
