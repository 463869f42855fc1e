package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claimlens/claimlens/internal/config"
	"github.com/claimlens/claimlens/internal/store"
)

var flagMigrateStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Applies any pending schema migrations to the configured postgres
database. With --status, prints the applied/pending state instead of
changing anything.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&flagMigrateStatus, "status", false,
		"show migration status without applying")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return usageErrorf("migrate requires a postgres store; set %s", config.EnvDatabaseURL)
	}

	ctx := cmd.Context()
	if flagMigrateStatus {
		status, err := store.MigrationStatus(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		fmt.Println(status)
		return nil
	}

	if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		return err
	}
	fmt.Println("Migrations applied")
	return nil
}
