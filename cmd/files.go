package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/schovi/rexec/internal/api"
	"github.com/schovi/rexec/internal/files"
)

var pushCmd = &cobra.Command{
	Use:   "push <local-dir> <remote-workdir>",
	Short: "Copy a local directory into a server workdir",
	Long: `Copy the files of a local directory into an absolute workdir on the server.

Files whose content (md5) already matches the server copy are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <remote-workdir> <path> [local-file]",
	Short: "Fetch one file from a server workdir",
	Long: `Fetch a file relative to a server workdir. It is written to local-file, or
to a file of the same name in the current directory. Use "-" for stdout.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runPull,
}

var pushJsonFlag bool

func init() {
	pushCmd.Flags().BoolVar(&pushJsonFlag, "json", false, "Output as JSON")
}

func runPush(cmd *cobra.Command, args []string) error {
	localDir, workdir := args[0], args[1]

	hashes, err := files.Collect(localDir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", localDir, err)
	}

	c := newClient()
	stale, err := c.OfferFiles(cmd.Context(), workdir, hashes)
	if err != nil {
		return err
	}

	if len(stale) > 0 {
		loaded, err := files.Load(localDir, stale)
		if err != nil {
			return fmt.Errorf("read files: %w", err)
		}
		payload := make(map[string]api.FileData, len(loaded))
		for name, f := range loaded {
			payload[name] = api.FileData{Data: f.Data, Executable: f.Executable}
		}
		if err := c.SendFiles(cmd.Context(), workdir, payload); err != nil {
			return err
		}
	}

	if pushJsonFlag {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"sent":      stale,
			"unchanged": len(hashes) - len(stale),
		})
	}
	for _, name := range stale {
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d sent, %d unchanged\n", len(stale), len(hashes)-len(stale))
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	workdir, path := args[0], args[1]

	data, err := newClient().GetFile(cmd.Context(), workdir, path)
	if err != nil {
		return err
	}

	dest := filepath.Base(path)
	if len(args) == 3 {
		dest = args[2]
	}
	if dest == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), dest)
	return nil
}
