package main

import (
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/xuecangming/multidrive/internal/core/logger"
	"github.com/xuecangming/multidrive/internal/infrastructure/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			if !database.Enabled(cfg.Database) {
				return errors.New("no database configured")
			}
			db, err := database.NewPostgresDB(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.RunMigrations(cmd.Context(), db); err != nil {
				return err
			}
			log.Info("migrations applied", logger.Int("count", len(database.Migrations())))
			return nil
		},
	}
}
