package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/app"
	"github.com/JakeFAU/pagewatch/internal/targetfile"
)

func newTargetsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manages monitored targets",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "import <file>",
			Short: "Registers or replaces the targets listed in a YAML file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				targets, err := targetfile.Load(args[0])
				if err != nil {
					return err
				}
				return c.withApp(cmd.Context(), func(a *app.App) error {
					n, err := targetfile.Import(cmd.Context(), a.Store, targets)
					if err != nil {
						return err
					}
					c.logger.Info("imported targets", zap.String("file", args[0]), zap.Int("count", n))
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d targets\n", n)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Prints every active target as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd.Context(), func(a *app.App) error {
					return listTargets(cmd.Context(), a, cmd.OutOrStdout())
				})
			},
		},
	)
	return cmd
}

func listTargets(ctx context.Context, a *app.App, out io.Writer) error {
	targets, err := a.Store.ListActiveTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(targets)
}
