package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/expstream/internal/app"
	"github.com/zoravur/expstream/internal/config"
	"github.com/zoravur/expstream/internal/logutil"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "expstream",
		Short: "Mirror experiment measurement tables into live in-memory tables",
		Long: `expstream watches experiment databases, waits for the tables named by
graph streams to appear and copies their rows page by page into in-memory
tables served over HTTP and WebSocket.

Settings come from defaults, an optional YAML file, EXPSTREAM_* environment
variables (EXPSTREAM_DATABASE__HOST sets database.host) and flags, in that
order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML)")
	pf.String("database-driver", "", "database driver (pgx|pq)")
	pf.String("database-host", "", "experiment database server host")
	pf.Int("database-port", 0, "experiment database server port")
	pf.String("database-user", "", "database user")
	pf.String("database-password", "", "database password")
	pf.String("database-sslmode", "", "sslmode connection parameter")
	pf.Int("replication-page-size", 0, "rows fetched per replication tick")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.Bool("log-development", false, "human readable logs")
	pf.String("http-addr", "", "HTTP listen address")

	root.AddCommand(newServeCmd(&cfgFile), newConfigCmd(&cfgFile))
	return root
}

func newServeCmd(cfgFile *string) *cobra.Command {
	var experiments []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication engine and HTTP publisher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logutil.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			srv, err := app.NewServer(cfg, logger)
			if err != nil {
				return err
			}
			if err := srv.Watch(experiments...); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Run(ctx); err != nil {
				logger.Error("server exited", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&experiments, "experiment", "e", nil, "experiment ids to watch from startup")
	return cmd
}

func newConfigCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Database.Password != "" {
				cfg.Database.Password = "***"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}
