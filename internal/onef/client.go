// Package onef reports final decisions back to the 1F back office.
package onef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ka-bot/internal/delivery"
	"ka-bot/internal/requests"
)

// DecisionAtLayout is the wire format 1F expects, always rendered in +05:00.
const DecisionAtLayout = "2006-01-02T15:04:05-07:00"

var plus5 = time.FixedZone("+05", 5*60*60)

// Payload is the asrpoststatus request body.
type Payload struct {
	ID         int64    `json:"ID"`
	KAStatus   string   `json:"KAStatus"`
	KAEmployee Employee `json:"KAEmployee"`
	Comment    string   `json:"Comment"`
	DecisionAt string   `json:"DecisionAt"`
}

type Employee struct {
	TelegramUserId int64 `json:"TelegramUserId"`
}

// FormatDecisionAt renders t in +05:00 with second precision.
func FormatDecisionAt(t time.Time) string {
	return t.In(plus5).Truncate(time.Second).Format(DecisionAtLayout)
}

// BuildPayload derives the callback body from the stored record only.
func BuildPayload(req requests.Request) (Payload, error) {
	if !req.Decision.IsDecision() || req.DecidedAt == nil {
		return Payload{}, fmt.Errorf("request %d is not decided", req.ExternalID)
	}
	if req.AssignedTo == nil {
		return Payload{}, fmt.Errorf("request %d has no assignee", req.ExternalID)
	}
	return Payload{
		ID:         req.ExternalID,
		KAStatus:   string(req.Decision),
		KAEmployee: Employee{TelegramUserId: *req.AssignedTo},
		Comment:    req.DecisionComment,
		DecisionAt: FormatDecisionAt(*req.DecidedAt),
	}, nil
}

// Client posts decisions to ONEF_CALLBACK_URL. It implements delivery.Callback.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewClient(url string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     log,
	}
}

func (c *Client) SendDecision(ctx context.Context, req requests.Request) delivery.Outcome {
	payload, err := BuildPayload(req)
	if err != nil {
		return delivery.Errored(err.Error())
	}
	if err := c.post(ctx, payload); err != nil {
		c.Logger.WarnContext(ctx, "1f callback failed", "external_id", req.ExternalID, "err", err)
		return delivery.Errored(err.Error())
	}
	c.Logger.InfoContext(ctx, "1f callback delivered", "external_id", req.ExternalID, "status", payload.KAStatus)
	return delivery.Delivered(0)
}

func (c *Client) post(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("1f error: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
