// Package main is the schema migration CLI. It applies the migrations
// embedded in internal/db to the database named by DATABASE_URL.
//
//	migrate up
//	migrate down 1
//	migrate goto 2
//	migrate version
//	migrate force 2
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"breathofnow/internal/config"
	"breathofnow/internal/db"
)

// migrator is the subset of *migrate.Migrate the commands use.
type migrator interface {
	Up() error
	Steps(n int) error
	Migrate(version uint) error
	Version() (version uint, dirty bool, err error)
	Force(version int) error
	Close() (source error, database error)
}

type openFunc func(databaseURL string) (migrator, error)

func openMigrator(databaseURL string) (migrator, error) {
	return db.NewMigrator(databaseURL)
}

func main() {
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		fmt.Fprintf(os.Stderr, "resolving secrets: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(openMigrator, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open openFunc, out io.Writer) *cobra.Command {
	var databaseURL string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply Breath of Now schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"Postgres connection URL (defaults to $DATABASE_URL)")
	root.SetOut(out)

	// with opens the migrator for one command and always closes it.
	with := func(fn func(m migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				return errors.New("database URL is required (--database-url or DATABASE_URL)")
			}
			m, err := open(databaseURL)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return err
			}
			return printVersion(cmd.OutOrStdout(), m)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  with(func(m migrator) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				return with(func(m migrator) error { return m.Steps(-steps) })(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to an exact version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return with(func(m migrator) error { return m.Migrate(uint(v)) })(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the version without running migrations and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return with(func(m migrator) error { return m.Force(v) })(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE:  with(func(migrator) error { return nil }),
		},
	)
	return root
}

func printVersion(out io.Writer, m migrator) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "version: none")
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(out, "version: %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(out, "version: %d\n", v)
	return nil
}
