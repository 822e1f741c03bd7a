package main

import (
	"errors"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kaliot/kaliot"
)

// NewMigrateCommand runs the database migrations and exits.
func NewMigrateCommand() *cobra.Command {
	var (
		steps int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run n database migrations (can be negative) or all of them",
		RunE: func(_ *cobra.Command, _ []string) error {
			if steps != 0 && all {
				return errors.New("--steps and --all cannot be used together")
			}
			if steps == 0 && !all {
				return errors.New("one of --steps or --all is required")
			}

			config := kaliot.NewAppConfig(configPath)
			if err := config.Load(); err != nil {
				return err
			}

			return doMigrate(config.DatabaseConfig.Path, config.DatabaseConfig.Migrations, steps, all)
		},
	}

	f := cmd.Flags()
	f.IntVar(&steps, "steps", 0, "run n migrations (can be negative)")
	f.BoolVar(&all, "all", false, "run all migrations")

	return cmd
}

func doMigrate(dbPath, migrationsPath string, n int, all bool) error {
	m, err := migrate.New(
		"file://"+migrationsPath,
		"sqlite3://"+dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	if all {
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	}
	if n != 0 {
		err = m.Steps(n)
		if err != nil {
			return err
		}
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.WithField("version", version).
		WithField("dirty", dirty).
		Info("migrations complete")

	return nil
}
