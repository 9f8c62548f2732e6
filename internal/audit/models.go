package audit

import "time"

// Entry is an immutable, append-only audit log record.
//
// Invariants:
// - Entries are never updated or deleted.
// - ActorID is nil for system actions (broadcasts, reconcile retries).
// - Audit is best-effort; callers log and continue on failure.
type Entry struct {
	ID     string `json:"id"`
	Action Action `json:"action"`

	// Entity and EntityID name the affected record, e.g. "request" / "1042".
	Entity   string `json:"entity"`
	EntityID string `json:"entity_id"`

	ActorID *int64 `json:"actor_id,omitempty"`

	// Payload is optional JSON with transition details.
	Payload string `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type Action string

const (
	ActionRequestCreated   Action = "request_created"
	ActionGroupDelivered   Action = "group_delivered"
	ActionGroupFailed      Action = "group_failed"
	ActionClaimed          Action = "claimed"
	ActionWorkStarted      Action = "work_started"
	ActionReleased         Action = "released"
	ActionDecided          Action = "decided"
	ActionCallbackSent     Action = "callback_delivered"
	ActionCallbackFailed   Action = "callback_failed"
	ActionPermissionGrant  Action = "permission_granted"
	ActionPermissionRevoke Action = "permission_revoked"
)

const (
	EntityRequest       = "request"
	EntityPermittedUser = "permitted_user"
)
