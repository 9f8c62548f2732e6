package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit entries.
//
// It MUST be append-only.
// No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Entry) error
}

// Service records transitions and admin actions.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEntry = errors.New("audit: invalid entry")

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Action == "" || e.Entity == "" || e.EntityID == "" {
		return ErrInvalidEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends an entry with payload marshalled to JSON. A nil actor marks a system action.
func (s *Service) Record(ctx context.Context, action Action, entity, entityID string, actor *int64, payload any) error {
	e := Entry{
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		ActorID:  actor,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		e.Payload = string(b)
	}
	return s.Append(ctx, e)
}

// Actor is a helper for building the nullable actor reference.
func Actor(id int64) *int64 { return &id }
