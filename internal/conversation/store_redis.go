package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as JSON under "<prefix><actor_id>" with SET EX.
// Sessions survive restarts and are shared across replicas.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "kabot:session:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(actorID int64) string {
	return r.prefix + strconv.FormatInt(actorID, 10)
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(s.ActorID), b, r.ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, actorID int64) (Session, error) {
	b, err := r.rdb.Get(ctx, r.key(actorID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		// A corrupt entry is treated as absent and dropped.
		_ = r.rdb.Del(ctx, r.key(actorID)).Err()
		return Session{}, ErrNoSession
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, actorID int64) error {
	return r.rdb.Del(ctx, r.key(actorID)).Err()
}
