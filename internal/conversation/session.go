// Package conversation keeps per-operator prompt state between Telegram updates.
package conversation

import (
	"context"
	"errors"
	"time"

	"ka-bot/internal/requests"
)

// Step is where the operator is in a multi-message interaction.
type Step string

const (
	StepInProgress     Step = "in_progress"
	StepAwaitingReason Step = "awaiting_comment"
)

// Session is keyed by the acting operator. Origin ids point at the private
// message whose buttons started the prompt; they are opaque to the lifecycle.
type Session struct {
	ActorID         int64           `json:"actor_id"`
	ExternalID      int64           `json:"external_id"`
	Step            Step            `json:"step"`
	Decision        requests.Status `json:"decision,omitempty"`
	OriginChatID    int64           `json:"origin_chat_id,omitempty"`
	OriginMessageID int64           `json:"origin_message_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

var ErrNoSession = errors.New("no active session")

// Store persists sessions with a TTL. Expired sessions behave as absent.
type Store interface {
	Put(ctx context.Context, s Session) error
	Get(ctx context.Context, actorID int64) (Session, error)
	Delete(ctx context.Context, actorID int64) error
}

const DefaultTTL = 15 * time.Minute
