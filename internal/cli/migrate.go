package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/portfolio-ingest/internal/config"
	spg "example.com/portfolio-ingest/internal/storage/postgres"
)

func newMigrateCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url (DATABASE_URL) is required")
			}
			ctx := cmd.Context()
			db, err := spg.Connect(ctx, cfg.Database.URL, spg.Options{
				MaxConns: 2,
				CACert:   cfg.Database.CACert,
			})
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
