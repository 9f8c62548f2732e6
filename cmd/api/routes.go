package main

import (
	"ka-bot/internal/httpapi"
	"ka-bot/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routeOptions struct {
	authMW  gin.HandlerFunc
	adminMW gin.HandlerFunc

	// webhook enables the Bot API push endpoint instead of long polling.
	webhook       bool
	webhookSecret string
	tg            *telegram.Client
	updates       telegram.UpdateHandler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, opts routeOptions) {
	// public
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 1F ingestion. Idempotent on the 1F request id.
	r.POST("/api/v1/ka-bot/requests", h.SubmitRequest)

	if opts.webhook {
		r.POST("/telegram/webhook", opts.tg.WebhookHandler(opts.webhookSecret, opts.updates))
	}

	// admin API
	admin := r.Group("/v1/admin")
	admin.Use(opts.authMW, opts.adminMW)
	{
		users := admin.Group("/permitted-users")
		users.GET("", h.ListPermittedUsers)
		users.POST("", h.GrantPermittedUser)
		users.DELETE("/:tg_id", h.RevokePermittedUser)

		reqs := admin.Group("/requests")
		reqs.GET("/:external_id", h.GetRequest)
		reqs.POST("/:external_id/retry-group", h.RetryGroup)
		reqs.POST("/:external_id/retry-callback", h.RetryCallback)
	}
}
