package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreClaim(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Claim(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Claim(ctx, "msg-1", time.Minute)
	assert.False(t, ok, "second claim within ttl")

	ok, _ = s.Claim(ctx, "msg-2", time.Minute)
	assert.True(t, ok, "independent key")

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(ctx, "msg-1", time.Minute)
	assert.True(t, ok, "expired claim")

	require.NoError(t, s.Release(ctx, "msg-1"))
	ok, _ = s.Claim(ctx, "msg-1", time.Minute)
	assert.True(t, ok, "released claim")
}

func TestMemoryStoreSweepsExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	for i := 0; i < 1024; i++ {
		_, _ = s.Claim(context.Background(), uuid.NewString(), time.Second)
	}
	now = now.Add(time.Minute)
	_, _ = s.Claim(context.Background(), "fresh", time.Second)
	assert.Len(t, s.claims, 1)
}

// TestRedisStore_Integration requires a running Redis and is skipped otherwise.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + uuid.NewString()
	a := NewRedisStore(client, "knowbot:test:")
	b := NewRedisStore(client, "knowbot:test:")

	ok, err := a.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// only the owner can release
	require.NoError(t, b.Release(ctx, key))
	ok, _ = b.Claim(ctx, key, time.Minute)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, key))
	ok, _ = b.Claim(ctx, key, time.Minute)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, key))
}
