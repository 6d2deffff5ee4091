package main

import (
	"fmt"

	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"

	"github.com/spf13/cobra"
)

func migrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrator(cmd, func(m *persistence.Migrator) error {
					if err := m.Up(cmd.Context()); err != nil {
						return fmt.Errorf("migrate up: %w", err)
					}
					logger := observability.NewLogger("migrate")
					logger.Info().Msg("all migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrator(cmd, func(m *persistence.Migrator) error {
					if err := m.Down(cmd.Context()); err != nil {
						return fmt.Errorf("migrate down: %w", err)
					}
					logger := observability.NewLogger("migrate")
					logger.Info().Msg("last migration rolled back")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations not yet applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withMigrator(cmd, func(m *persistence.Migrator) error {
					pending, err := m.Pending(cmd.Context())
					if err != nil {
						return err
					}
					if len(pending) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
						return nil
					}
					for _, name := range pending {
						fmt.Fprintln(cmd.OutOrStdout(), "pending:", name)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withMigrator(cmd *cobra.Command, fn func(*persistence.Migrator) error) error {
	db, err := openDB(cmd.Context(), a.cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(persistence.NewMigrator(db, a.cfg.Postgres.MigrationsDir))
}
