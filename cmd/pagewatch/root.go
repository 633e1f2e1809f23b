package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/logging"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
)

// cli carries what PersistentPreRunE resolves for the subcommands.
type cli struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	tracing interface{ Shutdown(context.Context) error }

	// newApp is replaced in tests.
	newApp func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)
}

func defaultNewApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&cli{newApp: defaultNewApp})
}

func newRootCmdWith(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pagewatch",
		Short: "Watches web pages and records when their content changes.",
		Long: `pagewatch periodically fetches registered pages, stores a snapshot of the
monitored region, and records a change whenever the content differs from the
previous snapshot by more than the configured threshold.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()
			if cfg.Tracing.Enabled {
				tp, err := telemetry.InitTracerProvider(cmd.Context(), telemetry.Config{
					ServiceName: "pagewatch",
					SampleRatio: cfg.Tracing.SampleRatio,
				})
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				c.tracing = tp
			}
			c.cfg = cfg
			c.logger = logger
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if c.tracing != nil {
				if err := c.tracing.Shutdown(context.WithoutCancel(cmd.Context())); err != nil && c.logger != nil {
					c.logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); env vars use the PAGEWATCH_ prefix")

	cmd.AddCommand(newServeCmd(c), newCheckCmd(c), newTargetsCmd(c))
	return cmd
}

// withApp builds the application services, runs fn, and closes them.
func (c *cli) withApp(ctx context.Context, fn func(*app.App) error) error {
	a, err := c.newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			c.logger.Warn("close application services failed", zap.Error(cerr))
		}
	}()
	return fn(a)
}
