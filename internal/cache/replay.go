// Package cache holds the callback replay guard.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers ids for a TTL. MarkSeen returns true only the first
// time an id is marked within its TTL.
type ReplayGuard interface {
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// RedisReplayGuard shares replay state across instances.
type RedisReplayGuard struct {
	client    *redis.Client
	keyPrefix string
}

var _ ReplayGuard = (*RedisReplayGuard)(nil)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisReplayGuard connects and pings Redis.
func NewRedisReplayGuard(ctx context.Context, cfg RedisConfig) (*RedisReplayGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisReplayGuardWithClient(client, ""), nil
}

// NewRedisReplayGuardWithClient wraps an existing client.
func NewRedisReplayGuardWithClient(client *redis.Client, keyPrefix string) *RedisReplayGuard {
	if keyPrefix == "" {
		keyPrefix = "payout:callback:"
	}
	return &RedisReplayGuard{client: client, keyPrefix: keyPrefix}
}

// MarkSeen uses SETNX so concurrent instances agree on the first delivery.
func (g *RedisReplayGuard) MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.keyPrefix+id, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark callback as seen: %w", err)
	}
	return ok, nil
}

func (g *RedisReplayGuard) Close() error {
	return g.client.Close()
}

// MemoryReplayGuard is the single-instance fallback.
type MemoryReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	sweep int
}

var _ ReplayGuard = (*MemoryReplayGuard)(nil)

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryReplayGuard) MarkSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	g.sweep++
	if g.sweep >= 1024 {
		g.sweep = 0
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
	}

	if exp, ok := g.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}
