package main

import (
	"ka-bot/internal/migrations"
	"ka-bot/pkg/logger"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the embedded schema migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			return migrations.Up(cmd.Context(), e.db, logger.Component(e.log, "migrations"))
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			return migrations.Down(cmd.Context(), e.db, logger.Component(e.log, "migrations"))
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print applied and pending migrations as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.close()
			st, err := migrations.CurrentStatus(cmd.Context(), e.db)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}
