package main

import (
	"context"
	"database/sql"
	"log/slog"

	"ka-bot/internal/config"
	"ka-bot/pkg/logger"
	"ka-bot/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "kactl",
		Short:        "ka-bot operator tools",
		SilenceUsage: true,
	}
	cmd.AddCommand(newMigrateCmd(), newUsersCmd(), newTokenCmd())
	return cmd
}

// env bundles what every subcommand needs. Callers must close db.
type env struct {
	cfg config.Config
	db  *sql.DB
	log *slog.Logger
}

func loadEnv(ctx context.Context, withDB bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	e := &env{cfg: cfg, log: log}
	if !withDB {
		return e, nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns:      2,
		MaxIdleConns:      1,
		ConnectMaxElapsed: cfg.DB.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	e.db = db
	return e, nil
}

func (e *env) close() {
	if e.db != nil {
		_ = e.db.Close()
	}
}
