package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/onnwee/chatlens/backend/config"
	"github.com/onnwee/chatlens/backend/db"
)

func newMigrateCmd() *cobra.Command {
	var down, status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (DB_DSN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			database, err := db.Connect(ctx, cfg.DBDsn)
			if err != nil {
				return err
			}
			defer database.Close()

			switch {
			case status:
			case down:
				if err := db.MigrateDown(database); err != nil {
					return err
				}
			default:
				if err := db.RunMigrations(database); err != nil {
					slog.Warn("versioned migrations failed, applying embedded schema", slog.Any("err", err))
					if err := db.Migrate(ctx, database); err != nil {
						return fmt.Errorf("embedded schema: %w", err)
					}
				}
			}
			version, dirty, err := db.GetMigrationVersion(database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	cmd.Flags().BoolVar(&status, "status", false, "Only print the current schema version")
	cmd.MarkFlagsMutuallyExclusive("down", "status")
	return cmd
}
