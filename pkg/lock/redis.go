package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired means another holder owns the key.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld means the token no longer owns the key (expired or stolen).
	ErrNotHeld = errors.New("lock not held")
)

// Token proves ownership of one resource key until Expiry. Release and
// Extend only succeed while the stored value still matches HolderID.
type Token struct {
	Key      string
	HolderID string
	Expiry   time.Time
}

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only if the caller still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a single-holder, TTL-bound mutex on Redis. SET NX gives the
// atomic acquire; the Lua scripts give compare-and-delete release and
// compare-and-expire extension. Safe against clock skew up to ttl/2 as long
// as holders finish their critical section well inside the TTL.
type RedisLock struct {
	client *redis.Client
}

// Config holds Redis connection settings.
type Config struct {
	URL      string
	PoolSize int
}

func NewRedisLock(cfg Config) (*RedisLock, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLock{client: client}, nil
}

// NewRedisLockWithClient wraps an existing client; used by tests.
func NewRedisLockWithClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}

// Acquire attempts to take the lock. Returns ErrNotAcquired when another
// holder owns the key.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (*Token, error) {
	holder := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquire failed: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	return &Token{
		Key:      key,
		HolderID: holder,
		Expiry:   time.Now().Add(ttl),
	}, nil
}

// Release frees the lock if the token still owns it. Best-effort callers may
// ignore ErrNotHeld; the TTL backstops leaked locks.
func (l *RedisLock) Release(ctx context.Context, token *Token) error {
	n, err := releaseScript.Run(ctx, l.client, []string{token.Key}, token.HolderID).Int()
	if err != nil {
		return fmt.Errorf("lock release failed: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the expiry forward if the token still owns the key.
func (l *RedisLock) Extend(ctx context.Context, token *Token, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{token.Key}, token.HolderID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock extend failed: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	token.Expiry = time.Now().Add(ttl)
	return nil
}
