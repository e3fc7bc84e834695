package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/lumenhost/imagehost/internal/config"
	"github.com/lumenhost/imagehost/internal/db"
)

var errMigrateDriver = errors.New("migrations only apply to DATABASE_DRIVER=postgres; mongo indexes are created on serve")

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DatabaseDriver != config.DatabasePostgres {
				return errMigrateDriver
			}
			return db.Migrate(a.cfg.DatabaseURL, a.log)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DatabaseDriver != config.DatabasePostgres {
				return errMigrateDriver
			}
			return db.Rollback(a.cfg.DatabaseURL, steps, a.log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
