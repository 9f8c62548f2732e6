package rbac

import "time"

// PermittedUser is an operator allowed to claim and decide requests.
// Revocation flips IsActive; rows are never deleted.
type PermittedUser struct {
	TgID     int64  `json:"tg_id"`
	Username string `json:"username,omitempty"`
	IsActive bool   `json:"is_active"`

	// AddedBy is the admin who last granted access.
	AddedBy *int64 `json:"added_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
