package main

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/spf13/cobra"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
)

//go:embed migrations/*.sql
var migrations embed.FS

const envDSN = "DATABASE_URL"

var dsn string

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply metrology-cloud schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "postgres connection string (defaults to $"+envDSN+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending up migrations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Up()); err != nil {
						return fmt.Errorf("up: %w", err)
					}
					success("migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert all migrations",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Down()); err != nil {
						return fmt.Errorf("down: %w", err)
					}
					success("migrations reverted")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "steps N",
			Short: "Apply N migrations (negative reverts)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil || n == 0 {
					return fmt.Errorf("steps: invalid count %q", args[0])
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := ignoreNoChange(m.Steps(n)); err != nil {
						return fmt.Errorf("steps: %w", err)
					}
					success("applied %d migration steps", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Println("version: none")
						return nil
					}
					if err != nil {
						return fmt.Errorf("version: %w", err)
					}
					state := color.GreenString("clean")
					if dirty {
						state = color.RedString("dirty")
					}
					fmt.Printf("version: %d (%s)\n", v, state)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force V",
			Short: "Force the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("force: invalid version %q", args[0])
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(v); err != nil {
						return fmt.Errorf("force: %w", err)
					}
					color.Yellow("forced to version %d", v)
					return nil
				})
			},
		},
	)
	return root
}

func withMigrator(fn func(*migrate.Migrate) error) error {
	url := dsn
	if url == "" {
		url = os.Getenv(envDSN)
	}
	if url == "" {
		url = os.Getenv("PG_DSN")
	}
	if url == "" {
		return fmt.Errorf("--dsn or %s is required", envDSN)
	}
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func success(format string, args ...any) {
	fmt.Println(color.New(color.Bold, color.FgGreen).Sprintf(format, args...))
}
