package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCheckpointStore keeps export cursors in Redis so exports resume
// after a restart without re-sending acknowledged batches.
type RedisCheckpointStore struct {
	client *redis.Client
}

func NewRedisCheckpointStore(client *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client}
}

func checkpointKey(name string) string {
	return fmt.Sprintf("export::checkpoint::%s", name)
}

func (s *RedisCheckpointStore) Load(ctx context.Context, name string) (int64, error) {
	cursor, err := s.client.Get(ctx, checkpointKey(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", name, err)
	}
	return cursor, nil
}

func (s *RedisCheckpointStore) Save(ctx context.Context, name string, cursor int64) error {
	if err := s.client.Set(ctx, checkpointKey(name), cursor, 0).Err(); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", name, err)
	}
	return nil
}
