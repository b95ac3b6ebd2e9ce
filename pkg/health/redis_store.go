package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces marker keys.
const DefaultRedisPrefix = "flowagent:health"

// RedisStore keeps markers as plain string keys. SET is atomic, so
// concurrent writers resolve to last-writer-wins with no partial values.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(addr string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (s *RedisStore) key(ch Channel, o Outcome) string {
	return fmt.Sprintf("%s:%s", s.prefix, MarkerName(ch, o))
}

// Mark overwrites the marker.
func (s *RedisStore) Mark(ctx context.Context, ch Channel, o Outcome, at time.Time) error {
	return s.client.Set(ctx, s.key(ch, o), at.UTC().Format(time.RFC3339Nano), 0).Err()
}

// Last reads the marker; a missing key is the zero time.
func (s *RedisStore) Last(ctx context.Context, ch Channel, o Outcome) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key(ch, o)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseMarker(val), nil
}

// Reset deletes every marker key.
func (s *RedisStore) Reset(ctx context.Context) error {
	keys := make([]string, 0, len(Channels)*len(Outcomes))
	for _, ch := range Channels {
		for _, o := range Outcomes {
			keys = append(keys, s.key(ch, o))
		}
	}
	return s.client.Del(ctx, keys...).Err()
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
