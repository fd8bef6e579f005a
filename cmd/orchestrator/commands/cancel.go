package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCancelCommand builds `cancel <run-id>`: an operator-initiated stop of
// a run currently running or parked in waiting_validation, landing it in
// "cancelled" rather than any of the step-outcome-driven failure paths.
func NewCancelCommand(loadConfig ConfigLoader, logger *slog.Logger) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running or waiting-on-validation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			deps, err := Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build dependencies: %w", err)
			}
			defer deps.Close()

			if err := deps.Engine.CancelRun(ctx, runID, reason); err != nil {
				return fmt.Errorf("cancel run %d: %w", runID, err)
			}
			fmt.Printf("run %d cancelled\n", runID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded against the run and ticket (defaults to operator_cancelled)")
	return cmd
}
