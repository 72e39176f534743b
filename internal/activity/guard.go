package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/redis/go-redis/v9"
)

const (
	guardKeySegment   = "activity:event"
	guardStateWorking = "processing"
	guardStateDone    = "completed"
	defaultGuardTTL   = 24 * time.Hour
	defaultPrefix     = "quire"
)

// Guard makes ingestion first-save: an event ID is applied at most once.
type Guard interface {
	// TryMark claims the event. False means another delivery already claimed it.
	TryMark(ctx context.Context, eventID string) (bool, error)
	// MarkDone records that the claimed event was applied.
	MarkDone(ctx context.Context, eventID string) error
	// Unmark releases a claim so a redelivery can retry.
	Unmark(ctx context.Context, eventID string) error
}

// RedisCommands is the subset of the redis client the guard uses.
type RedisCommands interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuardConfig configures a redis-backed guard.
type RedisGuardConfig struct {
	Client RedisCommands
	Prefix string
	TTL    time.Duration
}

// RedisGuard claims events with SETNX so every API and worker instance shares one view.
type RedisGuard struct {
	client RedisCommands
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(cfg RedisGuardConfig) (*RedisGuard, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	return &RedisGuard{client: cfg.Client, prefix: prefix, ttl: ttl}, nil
}

// Key builds the redis key for an event ID.
func (g *RedisGuard) Key(eventID string) string {
	var builder strings.Builder
	builder.WriteString(g.prefix)
	for _, part := range []string{guardKeySegment, eventID} {
		if part == "" {
			continue
		}
		builder.WriteString(":")
		builder.WriteString(part)
	}
	return builder.String()
}

func (g *RedisGuard) TryMark(ctx context.Context, eventID string) (bool, error) {
	claimed, err := g.client.SetNX(ctx, g.Key(eventID), guardStateWorking, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event processing: %w", err)
	}
	return claimed, nil
}

func (g *RedisGuard) MarkDone(ctx context.Context, eventID string) error {
	if err := g.client.Set(ctx, g.Key(eventID), guardStateDone, g.ttl).Err(); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (g *RedisGuard) Unmark(ctx context.Context, eventID string) error {
	if err := g.client.Del(ctx, g.Key(eventID)).Err(); err != nil {
		return fmt.Errorf("unmark event: %w", err)
	}
	return nil
}

// MemoryGuard is the single-process fallback. It remembers the most recent
// window event IDs; older IDs fall out of the cache and would be applied again.
type MemoryGuard struct {
	cache *lru.Cache
}

func NewMemoryGuard(window int) (*MemoryGuard, error) {
	cache, err := lru.New(window)
	if err != nil {
		return nil, fmt.Errorf("create event window: %w", err)
	}
	return &MemoryGuard{cache: cache}, nil
}

func (g *MemoryGuard) TryMark(_ context.Context, eventID string) (bool, error) {
	present, _ := g.cache.ContainsOrAdd(eventID, guardStateWorking)
	return !present, nil
}

func (g *MemoryGuard) MarkDone(_ context.Context, eventID string) error {
	g.cache.Add(eventID, guardStateDone)
	return nil
}

func (g *MemoryGuard) Unmark(_ context.Context, eventID string) error {
	g.cache.Remove(eventID)
	return nil
}
