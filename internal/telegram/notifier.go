package telegram

import (
	"context"
	"log/slog"

	"ka-bot/internal/delivery"
	"ka-bot/internal/requests"
)

// Notifier posts new requests to the operators' group. It implements delivery.Broadcaster.
type Notifier struct {
	client      *Client
	groupChatID int64
	log         *slog.Logger
}

func NewNotifier(client *Client, groupChatID int64, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{client: client, groupChatID: groupChatID, log: log}
}

func (n *Notifier) Broadcast(ctx context.Context, req requests.Request) delivery.Outcome {
	msg, err := n.client.SendMessage(ctx, n.groupChatID, RenderRequest(req), AcceptKeyboard(req.ExternalID))
	if err != nil {
		n.log.WarnContext(ctx, "group broadcast failed", "external_id", req.ExternalID, "err", err)
		return delivery.Errored(err.Error())
	}
	return delivery.Delivered(int64(msg.MessageID))
}
