// Command migrate manages the rule document schema.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/detect/config"
	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	v          *viper.Viper
	configFile string
	path       string
}

func newRootCmd() *cobra.Command {
	o := &options{v: viper.New()}

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the rule document schema",
		Long: `migrate runs the SQL migrations against the configured database.

The database URL comes from --database, DETECT_DATABASE_URL, DATABASE_URL or the
config file. Migrations are embedded in the binary unless --path is given.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&o.configFile, "config", "", "Config file path")
	root.PersistentFlags().StringVar(&o.path, "path", "", "Read migrations from this directory instead of the embedded set")
	root.PersistentFlags().String("database", "", "Database URL")
	_ = o.v.BindPFlag("database.url", root.PersistentFlags().Lookup("database"))

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: o.run(func(m *migrate.Migrate, _ []string) error {
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					logger.Info("no migrations to run, database is up to date")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				logger.Info("migrations completed")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: o.run(func(m *migrate.Migrate, _ []string) error {
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to roll back migrations: %w", err)
				}
				logger.Info("rollback completed")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: o.run(func(m *migrate.Migrate, _ []string) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					logger.Info("no migration applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				logger.Info("current version", "version", version, "dirty", dirty)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: o.run(func(m *migrate.Migrate, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version number %q: %w", args[0], err)
				}
				if err := m.Force(version); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				logger.Info("forced version", "version", version)
				return nil
			}),
		},
	)

	return root
}

// run resolves the database and opens a migrator before calling fn
func (o *options) run(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(o.v, o.configFile)
		if err != nil {
			return err
		}
		logger.SetLevelFromString(cfg.Log.Level, logger.LevelInfo)

		if !cfg.HasDatabase() {
			return errors.New("database URL is required: use --database or DATABASE_URL")
		}

		m, err := migrations.New(cfg.Database.URL, o.path)
		if err != nil {
			return err
		}
		defer m.Close()

		return fn(m, args)
	}
}
