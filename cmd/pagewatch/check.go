package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/monitor"
)

func newCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check [target-id]",
		Short: "Checks one target, or every active target, once and prints the results",
		Long: `check runs a single synchronous check outside the scheduler. With no
argument every active target is checked in turn. Each finished task is
printed as one JSON line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				return runChecks(cmd.Context(), a, args, cmd.OutOrStdout(), c.logger)
			})
		},
	}
}

func runChecks(ctx context.Context, a *app.App, args []string, out io.Writer, logger *zap.Logger) error {
	var ids []string
	if len(args) == 1 {
		ids = args
	} else {
		targets, err := a.Store.ListActiveTargets(ctx)
		if err != nil {
			return fmt.Errorf("list targets: %w", err)
		}
		for _, t := range targets {
			ids = append(ids, t.ID)
		}
	}

	enc := json.NewEncoder(out)
	failed := 0
	for _, id := range ids {
		task, err := a.CheckOnce(ctx, id)
		if err != nil && task.ID == "" {
			return err
		}
		if err != nil {
			logger.Warn("check finished with persistence error", zap.String("target_id", id), zap.Error(err))
		}
		if task.State == monitor.TaskFailed {
			failed++
		}
		if err := enc.Encode(task); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(ids))
	}
	return nil
}
