package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"ka-bot/internal/audit"
)

var ErrForbidden = errors.New("forbidden")

// Repository persists the permitted operator set.
type Repository interface {
	// Upsert inserts or reactivates a user.
	Upsert(ctx context.Context, tgID int64, username string, addedBy int64) (PermittedUser, error)
	// Deactivate reports whether a row for tgID exists, active or not.
	Deactivate(ctx context.Context, tgID int64) (bool, error)
	IsActive(ctx context.Context, tgID int64) (bool, error)
	ListActive(ctx context.Context) ([]PermittedUser, error)
}

// Gate answers "may this actor act?".
//
// Rules:
// - Admins come from the static ADMIN_IDS allow-list and are always permitted.
// - Operators are admins plus active rows in permitted_users.
// - Only admins may grant, revoke or list.
type Gate struct {
	admins map[int64]struct{}
	repo   Repository
	audit  *audit.Service
	log    *slog.Logger
}

func NewGate(adminIDs []int64, repo Repository, auditSvc *audit.Service, log *slog.Logger) *Gate {
	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{admins: admins, repo: repo, audit: auditSvc, log: log}
}

func (g *Gate) IsAdmin(actorID int64) bool {
	_, ok := g.admins[actorID]
	return ok
}

func (g *Gate) IsPermitted(ctx context.Context, actorID int64) (bool, error) {
	if g.IsAdmin(actorID) {
		return true, nil
	}
	return g.repo.IsActive(ctx, actorID)
}

func (g *Gate) Grant(ctx context.Context, by, actorID int64, username string) (PermittedUser, error) {
	if !g.IsAdmin(by) {
		return PermittedUser{}, ErrForbidden
	}
	if actorID <= 0 {
		return PermittedUser{}, errors.New("tg_id must be positive")
	}
	u, err := g.repo.Upsert(ctx, actorID, username, by)
	if err != nil {
		return PermittedUser{}, err
	}
	g.record(ctx, audit.ActionPermissionGrant, by, actorID, map[string]string{"username": username})
	return u, nil
}

func (g *Gate) Revoke(ctx context.Context, by, actorID int64) (bool, error) {
	if !g.IsAdmin(by) {
		return false, ErrForbidden
	}
	removed, err := g.repo.Deactivate(ctx, actorID)
	if err != nil {
		return false, err
	}
	if removed {
		g.record(ctx, audit.ActionPermissionRevoke, by, actorID, nil)
	}
	return removed, nil
}

func (g *Gate) List(ctx context.Context, by int64) ([]PermittedUser, error) {
	if !g.IsAdmin(by) {
		return nil, ErrForbidden
	}
	return g.repo.ListActive(ctx)
}

func (g *Gate) record(ctx context.Context, action audit.Action, by, target int64, payload any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Record(ctx, action, audit.EntityPermittedUser, strconv.FormatInt(target, 10), audit.Actor(by), payload); err != nil {
		g.log.WarnContext(ctx, "audit append failed", "action", action, "err", err)
	}
}
