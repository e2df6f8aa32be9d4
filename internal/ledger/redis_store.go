package ledger

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps the ledger in a Redis set, shared by every process
// pointing at the same key.
type RedisStore struct {
	client *goredis.Client
	key    string
}

func NewRedisStore(client *goredis.Client, key string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("ledger key is required")
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger set: %w", err)
	}
	return members, nil
}

func (s *RedisStore) Append(ctx context.Context, recipient string) error {
	if err := s.client.SAdd(ctx, s.key, recipient).Err(); err != nil {
		return fmt.Errorf("failed to add ledger entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStore) Close() error { return nil }
