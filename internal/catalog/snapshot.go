package catalog

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"options-dekho/internal/config"
)

// SnapshotStore is a shared tier that lets several processes reuse one
// catalog download. A miss returns (nil, zero time, nil).
type SnapshotStore interface {
	Load(ctx context.Context, segment string) ([]byte, time.Time, error)
	Save(ctx context.Context, segment string, body []byte, fetchedAt time.Time, ttl time.Duration) error
}

// RedisSnapshotStore keeps the raw CSV in a Redis hash per segment.
type RedisSnapshotStore struct {
	client *redis.Client
	prefix string
}

// NewRedisSnapshotStore connects to Redis and verifies the connection.
func NewRedisSnapshotStore(ctx context.Context, cfg config.RedisConfig) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "options-dekho"
	}
	return &RedisSnapshotStore{client: client, prefix: prefix}, nil
}

func (s *RedisSnapshotStore) key(segment string) string {
	return s.prefix + ":catalog:" + segment
}

// Load returns the shared CSV for segment, if any.
func (s *RedisSnapshotStore) Load(ctx context.Context, segment string) ([]byte, time.Time, error) {
	vals, err := s.client.HMGet(ctx, s.key(segment), "csv", "fetched_at").Result()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	body, _ := vals[0].(string)
	stamp, _ := vals[1].(string)
	if body == "" || stamp == "" {
		return nil, time.Time{}, nil
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, time.Time{}, nil
	}
	return []byte(body), time.UnixMilli(ms), nil
}

// Save stores the CSV with a TTL so stale copies disappear on their own.
func (s *RedisSnapshotStore) Save(ctx context.Context, segment string, body []byte, fetchedAt time.Time, ttl time.Duration) error {
	key := s.key(segment)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "csv", body, "fetched_at", strconv.FormatInt(fetchedAt.UnixMilli(), 10))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis client.
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
