package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ka-bot/pkg/logger"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdateHandler consumes updates from either the webhook or the poller.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u tgbotapi.Update)
}

const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler accepts Bot API pushes. Telegram retries on non-2xx, so handler
// failures are logged and still acknowledged.
func (c *Client) WebhookHandler(secret string, h UpdateHandler) gin.HandlerFunc {
	return func(gc *gin.Context) {
		got := gc.GetHeader(SecretTokenHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			gc.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret token"})
			return
		}

		u, err := c.api.HandleUpdate(gc.Request)
		if err != nil {
			gc.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
			return
		}

		h.HandleUpdate(gc.Request.Context(), *u)
		gc.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Poller drives UpdateHandler via getUpdates long polling.
type Poller struct {
	client  *Client
	handler UpdateHandler
	wait    time.Duration
	log     *slog.Logger
}

func NewPoller(client *Client, handler UpdateHandler, wait time.Duration, log *slog.Logger) *Poller {
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{client: client, handler: handler, wait: wait, log: log}
}

// Run deletes any webhook, then polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.client.DeleteWebhook(ctx, true); err != nil {
		p.log.WarnContext(ctx, "delete webhook failed", "err", err)
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := p.client.GetUpdates(ctx, offset, p.wait)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.WarnContext(ctx, "getUpdates failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			p.dispatch(ctx, u)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "update handler panicked", "update_id", u.UpdateID, "panic", r)
		}
	}()
	ctx = logger.With(ctx, p.log.With("update_id", u.UpdateID))
	p.handler.HandleUpdate(ctx, u)
}
