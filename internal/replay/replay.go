// Package replay suppresses repeated check-in signals for the same ticket
// within a time window, across identification paths and, with Redis,
// across kiosks.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atinyakov/gatekiosk/internal/clock"
)

// Guard claims keys for a limited time.
type Guard interface {
	// Claim returns true when key was not held and is now held for ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim early.
	Release(ctx context.Context, key string) error
}

// TicketKey is the claim key for a ticket number.
func TicketKey(number string) string { return "ticket:" + number }

const sweepThreshold = 1024

// Memory is a process-local Guard.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

// NewMemory returns an empty guard. A nil clock uses the wall clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{clock: clk, expires: make(map[string]time.Time)}
}

// Claim implements Guard.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)

	if len(m.expires) > sweepThreshold {
		for k, exp := range m.expires {
			if !now.Before(exp) {
				delete(m.expires, k)
			}
		}
	}
	return true, nil
}

// Release implements Guard.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.expires, key)
	m.mu.Unlock()
	return nil
}

const redisKeyPrefix = "kiosk:replay:"

type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Guard shared by every kiosk using the same Redis.
type Redis struct {
	client redisClient
}

// NewRedis returns a guard backed by client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Claim implements Guard using SET NX with expiry.
func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, redisKeyPrefix+key, "1", ttl).Result()
}

// Release implements Guard.
func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}
