package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Ping(cmd.Context()); err != nil {
			return fmt.Errorf("ping %s: %w", viper.GetString("url"), err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "pong")
		return nil
	},
}
