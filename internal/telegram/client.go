package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const DefaultAPIEndpoint = "https://api.telegram.org"

// IsForbidden reports a 403, e.g. the operator never opened a private chat with the bot.
func IsForbidden(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden
}

type Options struct {
	// APIBaseURL is the Bot API host; the token and method are appended.
	APIBaseURL string
	// Timeout bounds ordinary calls. Long polls add their own wait on top.
	Timeout time.Duration
	// ConnectMaxElapsed bounds how long NewClient retries the initial getMe.
	// Zero means a single attempt.
	ConnectMaxElapsed time.Duration
	Logger            *slog.Logger
}

// Client adapts tgbotapi.BotAPI to context-aware calls.
//
// tgbotapi issues requests without a context, so a cancelled ctx returns
// early while the request itself is bounded by the HTTP client timeout.
type Client struct {
	api     *tgbotapi.BotAPI
	timeout time.Duration
}

// NewClient validates the token with getMe before returning.
func NewClient(ctx context.Context, token string, opts Options) (*Client, error) {
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	endpoint := strings.TrimRight(opts.APIBaseURL, "/") + "/bot%s/%s"
	// Long polling holds the request open for up to a minute.
	httpClient := &http.Client{Timeout: opts.Timeout + 60*time.Second}

	var api *tgbotapi.BotAPI
	connect := func() error {
		var err error
		api, err = tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
		if err != nil {
			err = scrub("getMe", err)
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) {
				// A rejected token does not get better with retries.
				return backoff.Permanent(err)
			}
		}
		return err
	}

	var err error
	if opts.ConnectMaxElapsed > 0 {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = opts.ConnectMaxElapsed
		err = backoff.Retry(connect, backoff.WithContext(bo, ctx))
	} else {
		err = connect()
	}
	if err != nil {
		return nil, err
	}
	opts.Logger.Info("telegram bot authorized", "username", api.Self.UserName, "bot_id", api.Self.ID)
	return &Client{api: api, timeout: opts.Timeout}, nil
}

// do runs fn and gives up waiting once ctx is done.
func do[T any](ctx context.Context, method string, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("telegram %s: %w", method, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return r.v, scrub(method, r.err)
		}
		return r.v, nil
	}
}

// scrub drops the request URL, which carries the bot token, from transport errors.
func scrub(method string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("telegram %s: %w", method, uerr.Err)
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb != nil {
		msg.ReplyMarkup = kb
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return do(ctx, "sendMessage", func() (tgbotapi.Message, error) { return c.api.Send(msg) })
}

// EditMessageText replaces text and keyboard. A nil kb removes the buttons.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) error {
	if kb == nil {
		kb = &tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
	}
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, int(messageID), text, *kb)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := do(ctx, "editMessageText", func() (*tgbotapi.APIResponse, error) { return c.api.Request(edit) })
	return err
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, id, text string, alert bool) error {
	cb := tgbotapi.NewCallback(id, text)
	cb.ShowAlert = alert
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := do(ctx, "answerCallbackQuery", func() (*tgbotapi.APIResponse, error) { return c.api.Request(cb) })
	return err
}

// GetUpdates long-polls for message and callback_query updates.
func (c *Client) GetUpdates(ctx context.Context, offset int, wait time.Duration) ([]tgbotapi.Update, error) {
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(wait.Seconds())
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	return do(ctx, "getUpdates", func() ([]tgbotapi.Update, error) { return c.api.GetUpdates(cfg) })
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := do(ctx, "deleteWebhook", func() (*tgbotapi.APIResponse, error) {
		return c.api.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending})
	})
	return err
}
