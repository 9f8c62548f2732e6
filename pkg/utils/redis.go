package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize           int
	MinIdleConns       int
	PoolTimeout        time.Duration
	ConnMaxIdleTime    time.Duration
	ConnMaxLifetime    time.Duration

	PingTimeout time.Duration

	// ConnectMaxElapsed bounds how long OpenRedis keeps retrying the initial ping.
	// Zero means a single attempt.
	ConnectMaxElapsed time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	}
	var err error
	if cfg.ConnectMaxElapsed > 0 {
		err = backoff.Retry(ping, backoff.WithContext(newConnectBackoff(cfg.ConnectMaxElapsed), ctx))
	} else {
		err = ping()
	}
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// ErrLeaseNotHeld is returned by Release when the key expired or another holder took it.
var ErrLeaseNotHeld = errors.New("lease not held")

// LeaseClient is the subset of redis commands a lease needs. *redis.Client satisfies it.
type LeaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// leaseReleaseSource deletes the key only while it still carries the caller's token.
const leaseReleaseSource = `
-- KEYS[1] = lease key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

var leaseReleaseScript = redis.NewScript(leaseReleaseSource)

// AcquireLease takes key for token with SET NX PX. It reports false while
// another holder's token is stored under key.
func AcquireLease(ctx context.Context, rdb LeaseClient, key, token string, ttl time.Duration) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" || token == "" {
		return false, fmt.Errorf("key and token are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	return rdb.SetNX(ctx, key, token, ttl).Result()
}

// ReleaseLease deletes key if token still owns it and reports whether it did.
// A lease that expired and was re-acquired by someone else is left alone.
func ReleaseLease(ctx context.Context, rdb LeaseClient, key, token string) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" || token == "" {
		return false, fmt.Errorf("key and token are required")
	}
	n, err := leaseReleaseScript.Run(ctx, rdb, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RedisLeaser is a single-holder lease per name. Each leaser owns a random
// token, so one replica can never release a lease another replica holds.
type RedisLeaser struct {
	client LeaseClient
	prefix string
	ttl    time.Duration
	token  string
}

func NewRedisLeaser(client LeaseClient, prefix string, ttl time.Duration) *RedisLeaser {
	return &RedisLeaser{client: client, prefix: prefix, ttl: ttl, token: uuid.NewString()}
}

func (l *RedisLeaser) Acquire(ctx context.Context, name string) (bool, error) {
	return AcquireLease(ctx, l.client, l.prefix+name, l.token, l.ttl)
}

func (l *RedisLeaser) Release(ctx context.Context, name string) error {
	released, err := ReleaseLease(ctx, l.client, l.prefix+name, l.token)
	if err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("%w: %s", ErrLeaseNotHeld, l.prefix+name)
	}
	return nil
}
