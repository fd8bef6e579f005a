package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

// NewReactivationsCommand builds `reactivations show <ticket-id>`: lists the
// ticket's recorded reactivation_triggers rows (spec §4.7's audit trail of
// spawned/skipped_cooldown/skipped_locked/reactivation_depth_exceeded
// decisions) and, if the ticket has a last run, its reactivation tree.
func NewReactivationsCommand(loadConfig ConfigLoader, logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "reactivations",
		Short: "Inspect reactivation history for a ticket",
	}

	show := &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show recorded reactivation triggers and the reactivation tree for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ticketID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid ticket id %q: %w", args[0], err)
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

			triggers, err := deps.Triggers.ListForTicket(ctx, ticketID)
			if err != nil {
				return fmt.Errorf("list reactivation triggers: %w", err)
			}
			if len(triggers) == 0 {
				fmt.Printf("no reactivation triggers recorded for ticket %d\n", ticketID)
			}
			for _, t := range triggers {
				fmt.Printf("%s\taction=%s\treason=%s\n", t.CreatedAt.Format("2006-01-02T15:04:05Z"), t.Action, t.Reason)
			}

			ticket, err := deps.Tickets.GetByID(ctx, ticketID)
			if err != nil {
				return fmt.Errorf("load ticket: %w", err)
			}
			if ticket == nil || ticket.LastRunID == nil {
				return nil
			}
			tree, err := deps.Reactivation.Tree(ctx, *ticket.LastRunID)
			if err != nil {
				return fmt.Errorf("walk reactivation tree: %w", err)
			}
			fmt.Printf("\nreactivation tree (root-first) for run %d:\n", *ticket.LastRunID)
			for _, run := range tree {
				fmt.Printf("  run=%d status=%s depth=%d is_reactivation=%t\n", run.ID, run.CurrentStatus, run.ReactivationDepth, run.IsReactivation)
			}
			return nil
		},
	}

	root.AddCommand(show)
	return root
}
