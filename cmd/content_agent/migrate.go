package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if settings.cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable or --db-url flag is required")
		}
		database, err := db.Connect(ctx, settings.cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.Migrate(ctx)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			printf("Database is up to date\n")
			return nil
		}
		for _, v := range applied {
			printf("  ✓ Applied %s\n", v)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
