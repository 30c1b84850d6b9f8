package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/guardapi/guard/internal/database"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database", "", "database URL (overrides configuration)")

	withMigrator := func(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			url := databaseURL
			if url == "" {
				url = cfg.Database.URL
			}
			if url == "" {
				return errors.New("database URL is required")
			}

			m, err := database.NewMigrator(url)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m, args); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					log.Info().Msg("No migrations to apply")
					return nil
				}
				return fmt.Errorf("migration failed: %w", err)
			}
			return nil
		}
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(m *migrate.Migrate, _ []string) error {
			if steps > 0 {
				return m.Steps(steps)
			}
			if err := m.Up(); err != nil {
				return err
			}
			log.Info().Msg("Migration completed successfully")
			return nil
		}),
	}
	up.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: withMigrator(func(m *migrate.Migrate, _ []string) error {
			if downSteps > 0 {
				return m.Steps(-downSteps)
			}
			return m.Down()
		}),
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back (0 = all)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		RunE: withMigrator(func(m *migrate.Migrate, _ []string) error {
			v, dirty, err := m.Version()
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Info().Msg("No migrations have been applied yet")
				return nil
			}
			if err != nil {
				return err
			}
			log.Info().Uint("version", v).Bool("dirty", dirty).Msg("Current migration version")
			return nil
		}),
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the migration version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(m *migrate.Migrate, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			return m.Force(v)
		}),
	}

	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table in the database",
		RunE: withMigrator(func(m *migrate.Migrate, _ []string) error {
			return m.Drop()
		}),
	}

	cmd.AddCommand(up, down, version, force, drop)
	return cmd
}
