package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ka-bot/internal/audit"
	"ka-bot/internal/auth"
	"ka-bot/internal/bot"
	"ka-bot/internal/config"
	"ka-bot/internal/conversation"
	"ka-bot/internal/delivery"
	"ka-bot/internal/httpapi"
	"ka-bot/internal/ingest"
	"ka-bot/internal/lifecycle"
	"ka-bot/internal/metrics"
	"ka-bot/internal/migrations"
	"ka-bot/internal/onef"
	"ka-bot/internal/rbac"
	"ka-bot/internal/reconcile"
	"ka-bot/internal/requests"
	"ka-bot/internal/telegram"
	"ka-bot/pkg/logger"
	"ka-bot/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	adminIDs, err := cfg.AdminIDList()
	if err != nil {
		return err
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		ConnectMaxElapsed: cfg.DB.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.App.MigrateOnStart {
		if err := migrations.Up(ctx, db, logger.Component(log, "migrations")); err != nil {
			return err
		}
	}

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), ConnectMaxElapsed: cfg.DB.ConnectTimeout})
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	m := metrics.Get()
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	repo := requests.NewPostgresRepo(db)

	tg, err := telegram.NewClient(ctx, cfg.Telegram.BotToken, telegram.Options{
		APIBaseURL:        cfg.Telegram.APIBaseURL,
		Timeout:           cfg.Telegram.Timeout,
		ConnectMaxElapsed: cfg.DB.ConnectTimeout,
		Logger:            logger.Component(log, "telegram"),
	})
	if err != nil {
		return err
	}
	notifier := telegram.NewNotifier(tg, cfg.Telegram.GroupChatID, logger.Component(log, "notifier"))
	callback := onef.NewClient(cfg.OneF.CallbackURL, cfg.OneF.Timeout, logger.Component(log, "onef"))

	tracker := delivery.NewTracker(repo, notifier, callback, delivery.TrackerOptions{
		GroupTimeout:    cfg.Telegram.Timeout,
		CallbackTimeout: cfg.OneF.Timeout,
		Audit:           auditSvc,
		Metrics:         m,
		Logger:          logger.Component(log, "delivery"),
	})
	engine := lifecycle.NewEngine(repo, tracker, lifecycle.Options{
		Audit:   auditSvc,
		Metrics: m,
		Logger:  logger.Component(log, "lifecycle"),
	})
	ingestSvc, err := ingest.NewService(repo, tracker, ingest.Options{
		PhonePrefix: cfg.Ingest.PhonePrefix,
		Audit:       auditSvc,
		Metrics:     m,
		Logger:      logger.Component(log, "ingest"),
	})
	if err != nil {
		return err
	}
	gate := rbac.NewGate(adminIDs, rbac.NewPostgresRepo(db), auditSvc, logger.Component(log, "rbac"))

	var sessions conversation.Store = conversation.NewMemoryStore(cfg.Session.CommentTTL)
	schedOpts := reconcile.Options{
		GroupInterval:     cfg.Reconcile.GroupInterval,
		CallbackInterval:  cfg.Reconcile.CallbackInterval,
		BatchSize:         cfg.Reconcile.BatchSize,
		StalePendingAfter: cfg.Reconcile.StalePendingAfter,
		Metrics:           m,
		Logger:            logger.Component(log, "reconcile"),
	}
	if rdb != nil {
		sessions = conversation.NewRedisStore(rdb, "", cfg.Session.CommentTTL)
		schedOpts.Leaser = utils.NewRedisLeaser(rdb, "kabot:lease:reconcile:", cfg.Reconcile.LeaseTTL)
	}
	scheduler := reconcile.NewScheduler(repo, tracker, schedOpts)

	operatorBot := bot.New(engine, gate, sessions, tg, bot.Options{
		GroupChatID: cfg.Telegram.GroupChatID,
		Logger:      logger.Component(log, "bot"),
	})

	handlers := httpapi.Handlers{
		Ingest:    ingestSvc,
		Engine:    engine,
		Gate:      gate,
		Scheduler: scheduler,
		Probes:    probes(db, rdb),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, routeOptions{
		authMW:        auth.RequireAccessToken(authManager),
		adminMW:       rbac.RequireAdmin(gate),
		webhook:       cfg.Telegram.Mode == "webhook",
		webhookSecret: cfg.Telegram.WebhookSecret,
		tg:            tg,
		updates:       operatorBot,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "telegram_mode", cfg.Telegram.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	if cfg.Telegram.Mode != "webhook" {
		poller := telegram.NewPoller(tg, operatorBot, cfg.Telegram.PollTimeout, logger.Component(log, "poller"))
		g.Go(func() error { return poller.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) PingContext(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func probes(db *sql.DB, rdb *redis.Client) map[string]httpapi.Pinger {
	out := map[string]httpapi.Pinger{"postgres": db}
	if rdb != nil {
		out["redis"] = redisPinger{rdb: rdb}
	}
	return out
}
