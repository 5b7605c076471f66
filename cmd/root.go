// Package cmd defines the scrapecache command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/config"
	"github.com/JakeFAU/scrapecache/internal/logging"
)

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// newRootCmd loads configuration and the logger before any subcommand runs.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrapecache",
		Short: "Cache-fronted search scraping service",
		Long: `scrapecache answers listing searches from a two-tier cache and
fetches misses from the upstream site, either inline or through a
prioritized job queue.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the SCRAPECACHE_ prefix)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

func fromContext(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, fmt.Errorf("config not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok {
		return config.Config{}, nil, fmt.Errorf("logger not initialized")
	}
	return cfg, logger, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
