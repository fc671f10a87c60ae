package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/xuecangming/multidrive/internal/core/logger"
)

var (
	// Flags
	configFile string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "multidrive",
		Short: "Transfer engine spanning several cloud storage accounts",
		Long: `multidrive schedules uploads, downloads and cross-account copies over
OneDrive, S3 and SFTP accounts, grouping them into virtual drives that pick
the destination account with the most room.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $CONFIG_PATH or configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.ErrorLog("command failed", logger.Error(err))
		os.Exit(1)
	}
}
