package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/schovi/rexec/internal/config"
	"github.com/schovi/rexec/internal/engine"
	"github.com/schovi/rexec/internal/log"
	"github.com/schovi/rexec/internal/metrics"
	"github.com/schovi/rexec/internal/server"
)

// Time granted to running jobs to terminate once the server stops.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rexec server",
	Long: `Run the rexec HTTP server. Jobs live in memory (or in --spool-dir) for as
long as the server runs; stopping it kills every running job.`,
	Args:    cobra.NoArgs,
	PreRunE: bindServeFlags,
	RunE:    runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", config.DefaultListen, "Address to listen on")
	flags.IntP("port", "p", config.DefaultPort, "Port to listen on")
	flags.Bool("pty", false, "Run jobs on a pseudo-terminal instead of a pipe")
	flags.Duration("kill-grace", engine.DefaultKillGrace, "Time between SIGTERM and SIGKILL when killing a job")
	flags.Duration("fetch-wait", engine.DefaultFetchWait, "How long an output read waits for new bytes")
	flags.Duration("retention", 0, "Evict finished, fully read jobs after this long (0 keeps them)")
	flags.String("spool-dir", "", "Keep job output in files under this directory instead of memory")
}

// Flags are bound here rather than in init so that a reset viper still sees
// them.
func bindServeFlags(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	for key, name := range map[string]string{
		"listen":     "listen",
		"port":       "port",
		"pty":        "pty",
		"kill_grace": "kill-grace",
		"fetch_wait": "fetch-wait",
		"retention":  "retention",
		"spool_dir":  "spool-dir",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := log.New(os.Stderr, cfg.Verbose, cfg.LogFormat)
	m := metrics.New()

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithRecorder(m),
		engine.WithMode(cfg.Mode()),
		engine.WithKillGrace(cfg.KillGrace),
		engine.WithFetchWait(cfg.FetchWait),
		engine.WithRetention(cfg.Retention),
	}
	if cfg.SpoolDir != "" {
		storage, err := engine.NewFileStorage(cfg.SpoolDir)
		if err != nil {
			return fmt.Errorf("spool dir: %w", err)
		}
		opts = append(opts, engine.WithStorage(storage))
	}
	eng := engine.New(opts...)

	srv := server.New(eng, server.WithLogger(logger), server.WithMetrics(m.Handler()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting server", "addr", cfg.Addr(), "mode", cfg.Mode(), "spool_dir", cfg.SpoolDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, cfg.Addr())
	})
	g.Go(func() error {
		return eng.RunRetention(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down, killing running jobs")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return eng.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
