package commands

import (
	"database/sql"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/orchestrator-io/change-orchestrator/internal/infrastructure/migrations"
)

// NewMigrateCommand mounts the existing migrations.CLI command tree
// (up/down/status/version/create) as `orchestrator migrate`, reusing the
// teacher's migration manager wiring verbatim from cmd/migrate/main.go.
func NewMigrateCommand(logger *slog.Logger) *cobra.Command {
	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		return failingCommand("migrate", err)
	}
	backupConfig, err := migrations.LoadBackupConfig()
	if err != nil {
		return failingCommand("migrate", err)
	}
	healthConfig, err := migrations.LoadHealthConfig()
	if err != nil {
		return failingCommand("migrate", err)
	}

	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		return failingCommand("migrate", err)
	}
	db, err := sql.Open(migrationConfig.Driver, migrationConfig.DSN)
	if err != nil {
		return failingCommand("migrate", err)
	}
	backupManager := migrations.NewBackupManager(backupConfig, db, migrationConfig.Logger)
	healthChecker := migrations.NewHealthChecker(db, healthConfig, migrationConfig.Logger)

	cli := migrations.NewCLI(manager, backupManager, healthChecker, migrationConfig.Logger)
	root := cli.GetRootCommand()
	root.Use = "migrate"
	root.Short = "Run and inspect database migrations"
	return root
}

// failingCommand returns a command that reports a construction-time error
// the first time it runs, so a broken migration config doesn't crash the
// whole orchestrator binary before cobra even parses args.
func failingCommand(use string, cause error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: "unavailable: " + cause.Error(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cause
		},
	}
}
