package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	connectBaseBackoff = time.Second
	connectMaxBackoff  = 3 * time.Second
	connectMaxAttempts = 5
	pingTimeout        = 5 * time.Second
)

// RedisCache implements Cache on a single multiplexed go-redis client.
// The connection is established lazily on first use; go-redis handles
// reconnects after that (retries capped at 3s backoff, 10 attempts).
type RedisCache struct {
	client *redis.Client

	mu        sync.Mutex
	connected bool
}

// NewRedisCache builds a client for addr (host:port). No connection is
// attempted until the first operation.
func NewRedisCache(addr string, db int) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:            addr,
			DB:              db,
			DialTimeout:     10 * time.Second,
			MaxRetries:      10,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: connectMaxBackoff,
		}),
	}
}

// ensure verifies liveness once, with exponential backoff between
// attempts. Subsequent calls are cheap.
func (rc *RedisCache) ensure(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.connected {
		return nil
	}

	backoff := connectBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := rc.client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			rc.connected = true
			slog.Info("Cache connected", "addr", rc.client.Options().Addr)
			return nil
		}
		lastErr = err
		slog.Warn("Cache connect failed", "attempt", attempt, "max_attempts", connectMaxAttempts, "err", err)

		if attempt == connectMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > connectMaxBackoff {
			backoff = connectMaxBackoff
		}
	}
	return fmt.Errorf("cache unreachable after %d attempts: %w", connectMaxAttempts, lastErr)
}

func (rc *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := rc.ensure(ctx); err != nil {
		return "", false, err
	}
	raw, err := rc.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if IsCorrupt(raw) {
		// Quarantine: drop the key and report a miss.
		if delErr := rc.client.Del(ctx, key).Err(); delErr != nil {
			slog.Warn("Failed to quarantine corrupt cache key", "key", key, "err", delErr)
		}
		slog.Warn("Quarantined corrupt cache value", "key", key)
		return "", false, nil
	}
	return raw, true, nil
}

func (rc *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := rc.ensure(ctx); err != nil {
		return err
	}
	return rc.client.Set(ctx, key, value, ttl).Err()
}

func (rc *RedisCache) Delete(ctx context.Context, key string) error {
	if err := rc.ensure(ctx); err != nil {
		return err
	}
	return rc.client.Del(ctx, key).Err()
}

func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	if err := rc.ensure(ctx); err != nil {
		return false, err
	}
	n, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (rc *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := rc.ensure(ctx); err != nil {
		return err
	}
	return rc.client.Expire(ctx, key, ttl).Err()
}

func (rc *RedisCache) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := rc.ensure(ctx); err != nil {
		return err
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rc.client.SAdd(ctx, key, args...).Err()
}

func (rc *RedisCache) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := rc.ensure(ctx); err != nil {
		return err
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rc.client.SRem(ctx, key, args...).Err()
}

func (rc *RedisCache) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := rc.ensure(ctx); err != nil {
		return nil, err
	}
	return rc.client.SMembers(ctx, key).Result()
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}
