package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a claim only if this instance still owns it.
// KEYS[1] = claim key, ARGV[1] = owner id
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares claims between replicas.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisStore wraps an existing client. Keys are written as <prefix><key>.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "knowbot:dedupe:"
	}
	return &RedisStore{client: client, prefix: prefix, owner: uuid.NewString()}
}

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, s.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, s.owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// Ping checks connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
