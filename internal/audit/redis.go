package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// headKeyPrefix namespaces chain head cells in Redis.
const headKeyPrefix = "audit:chain_head:"

// casScript performs the compare-and-swap atomically server-side. A missing
// key reads as the sentinel so first writes go through the same path.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  cur = ARGV[3]
end
if cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// RedisHeadStore implements HeadStore on Redis for deployments where the
// head cell is shared across processes without a relational database.
type RedisHeadStore struct {
	client *redis.Client
}

// NewRedisHeadStore creates a new Redis-backed chain head store.
func NewRedisHeadStore(client *redis.Client) *RedisHeadStore {
	return &RedisHeadStore{client: client}
}

func headKey(partition string) string {
	return headKeyPrefix + partition
}

// Read returns the current head hash, or SentinelHash for an unwritten
// partition.
func (s *RedisHeadStore) Read(ctx context.Context, partition string) (string, error) {
	head, err := s.client.Get(ctx, headKey(partition)).Result()
	if errors.Is(err, redis.Nil) {
		return SentinelHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chain head: %w", err)
	}
	return head, nil
}

// CompareAndSwap advances the head only if the stored value still equals
// expectedOld. Executed as a single Lua script so the read and write cannot
// interleave with a concurrent writer.
func (s *RedisHeadStore) CompareAndSwap(ctx context.Context, partition, expectedOld, newHash string) error {
	res, err := casScript.Run(ctx, s.client, []string{headKey(partition)},
		expectedOld, newHash, SentinelHash).Int64()
	if err != nil {
		return fmt.Errorf("failed to advance chain head: %w", err)
	}
	if res != 1 {
		return ErrHeadConflict
	}
	return nil
}
