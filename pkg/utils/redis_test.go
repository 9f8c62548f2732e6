package utils

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// memLease emulates SET NX PX and the compare-and-delete script over a map.
type memLease struct {
	redis.Scripter

	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
}

func newMemLease() *memLease {
	return &memLease{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memLease) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.vals[key]; taken {
		return redis.NewBoolResult(false, nil)
	}
	m.vals[key] = value.(string)
	m.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memLease) EvalSha(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	if sha != leaseReleaseScript.Hash() {
		return redis.NewCmdResult(nil, errors.New("NOSCRIPT"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals[keys[0]] == args[0].(string) {
		delete(m.vals, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

// expire drops key as if its TTL ran out.
func (m *memLease) expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
}

func TestLeaseReleaseScriptComparesToken(t *testing.T) {
	if leaseReleaseScript.Hash() == "" {
		t.Fatalf("expected script to be initialized")
	}
	for _, want := range []string{"redis.call('GET', KEYS[1]) == ARGV[1]", "redis.call('DEL', KEYS[1])"} {
		if !strings.Contains(leaseReleaseSource, want) {
			t.Fatalf("release script missing %q", want)
		}
	}
}

func TestAcquireLease_RejectsNilClient(t *testing.T) {
	if _, err := AcquireLease(context.Background(), nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := ReleaseLease(context.Background(), nil, "k", "t"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := AcquireLease(context.Background(), newMemLease(), "k", "", time.Second); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestRedisLeaser_SingleHolderWithTTL(t *testing.T) {
	ctx := context.Background()
	store := newMemLease()
	a := NewRedisLeaser(store, "lease:", time.Minute)
	b := NewRedisLeaser(store, "lease:", time.Minute)

	if ok, err := a.Acquire(ctx, "group"); err != nil || !ok {
		t.Fatalf("expected first acquire, got %v %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, "group"); ok {
		t.Fatalf("expected second holder rejected")
	}
	if got := store.ttls["lease:group"]; got != time.Minute {
		t.Fatalf("expected ttl to be set on acquire, got %v", got)
	}
	if store.vals["lease:group"] != a.token {
		t.Fatalf("expected owner token stored")
	}

	if err := a.Release(ctx, "group"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "group"); !ok {
		t.Fatalf("expected lease free after release")
	}
}

func TestRedisLeaser_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	ctx := context.Background()
	store := newMemLease()
	slow := NewRedisLeaser(store, "lease:", time.Minute)
	next := NewRedisLeaser(store, "lease:", time.Minute)

	if ok, _ := slow.Acquire(ctx, "callback"); !ok {
		t.Fatalf("expected acquire")
	}
	store.expire("lease:callback")
	if ok, _ := next.Acquire(ctx, "callback"); !ok {
		t.Fatalf("expected successor to take the expired lease")
	}

	err := slow.Release(ctx, "callback")
	if !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}
	if store.vals["lease:callback"] != next.token {
		t.Fatalf("successor lease was deleted by the expired holder")
	}
}
