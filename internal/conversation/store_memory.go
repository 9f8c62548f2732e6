package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Sessions are lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[int64]memoryItem

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

type memoryItem struct {
	s         Session
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, items: make(map[int64]memoryItem), Clock: time.Now}
}

func (m *MemoryStore) Put(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	m.items[s.ActorID] = memoryItem{s: s, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, actorID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[actorID]
	if !ok {
		return Session{}, ErrNoSession
	}
	if !m.Clock().Before(it.expiresAt) {
		delete(m.items, actorID)
		return Session{}, ErrNoSession
	}
	return it.s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, actorID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, actorID)
	return nil
}
