//go:build integration

package replay

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisGuardAgainstContainer(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	addr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	a, b := NewRedis(client), NewRedis(client)
	key := TicketKey("TK-AB12CD")

	ok, err := a.Claim(ctx, key, 500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, key, 500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "second kiosk sees the claim")

	require.Eventually(t, func() bool {
		ok, err := b.Claim(ctx, key, time.Second)
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}
