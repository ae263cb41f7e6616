package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schovi/rexec/internal/client"
	"github.com/schovi/rexec/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rexec",
	Short: "Remote execution - run shell commands on a server and read their output",
	Long: `rexec runs shell commands as background jobs on a server and lets clients
read their output incrementally, check their status and kill them.

Quick start:
  rexec serve                               # Start the server
  rexec run "make test"                     # Start a job, print its id
  rexec run --follow -- ls -la /tmp         # Start a job and stream its output
  rexec output <id>                         # Read everything produced so far
  rexec status <id>                         # Show state and exit code
  rexec kill <id>                           # Terminate a running job

Configuration:
  Settings come from flags, REXEC_* environment variables or $HOME/.rexec.yaml.
    REXEC_URL    Server URL used by client commands (default: ` + config.DefaultURL + `)`,
	SilenceUsage: true,
}

// exitError makes the process exit with the code of a finished job.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("job exited with code %d", e.code)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rexec.yaml)")
	rootCmd.PersistentFlags().String("url", config.DefaultURL, "rexec server URL")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format: json or text")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".rexec")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	flags := rootCmd.PersistentFlags()
	viper.BindPFlag("url", flags.Lookup("url"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *client.Client {
	return client.New(viper.GetString("url"))
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
