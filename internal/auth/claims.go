package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
)

// Claims are the only supported JWT claims shape for the admin API.
// ActorID is a Telegram user id; admin rights are checked server-side by internal/rbac.
type Claims struct {
	jwt.RegisteredClaims

	ActorID   int64     `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	TokenType TokenType `json:"token_type"`
}
