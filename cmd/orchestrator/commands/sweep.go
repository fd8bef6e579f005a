package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewSweepCommand builds `sweep --locks` / `sweep --validations`: one-shot
// invocations of the same sweeps the long-running `serve` process ticks on
// a timer, for an operator to force a pass without waiting on the interval
// (spec §4.3, §4.6).
func NewSweepCommand(loadConfig ConfigLoader, logger *slog.Logger) *cobra.Command {
	var sweepLocks, sweepValidations bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single lock or validation-expiry sweep pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sweepLocks && !sweepValidations {
				return fmt.Errorf("sweep: specify --locks, --validations, or both")
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

			if sweepLocks {
				deps.LockSweeper.RunOnce(ctx)
			}
			if sweepValidations {
				deps.ExpirySweeper.RunOnce(ctx)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sweepLocks, "locks", false, "force-release stale advisory locks past their TTL")
	cmd.Flags().BoolVar(&sweepValidations, "validations", false, "expire pending validations past their TTL")
	return cmd
}
