package rbac

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory permitted-user store for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	users map[int64]PermittedUser
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{users: make(map[int64]PermittedUser)}
}

func (r *MemoryRepo) Upsert(ctx context.Context, tgID int64, username string, addedBy int64) (PermittedUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	u, ok := r.users[tgID]
	if !ok {
		u = PermittedUser{TgID: tgID, CreatedAt: now}
	}
	if username != "" {
		u.Username = username
	}
	u.IsActive = true
	u.AddedBy = &addedBy
	u.UpdatedAt = now
	r.users[tgID] = u
	return u, nil
}

func (r *MemoryRepo) Deactivate(ctx context.Context, tgID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[tgID]
	if !ok {
		return false, nil
	}
	u.IsActive = false
	u.UpdatedAt = time.Now().UTC()
	r.users[tgID] = u
	return true, nil
}

func (r *MemoryRepo) IsActive(ctx context.Context, tgID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[tgID].IsActive, nil
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]PermittedUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PermittedUser
	for _, u := range r.users {
		if u.IsActive {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TgID < out[j].TgID })
	return out, nil
}
