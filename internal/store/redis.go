package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyValueQueueStore is the narrow capability contract the core needs from
// the shared Redis instance: list queues, in-flight tracking sets, windowed
// counters and a small TTL cache. Implementations must make BLPop deliver
// each payload to exactly one caller.
type KeyValueQueueStore interface {
	Push(ctx context.Context, queue, payload string) error
	PushHead(ctx context.Context, queue, payload string) error
	BLPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)

	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	SetMembers(ctx context.Context, set string) ([]string, error)

	IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	Close() error
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Push(ctx context.Context, queue, payload string) error {
	return s.client.RPush(ctx, queue, payload).Err()
}

func (s *RedisStore) PushHead(ctx context.Context, queue, payload string) error {
	return s.client.LPush(ctx, queue, payload).Err()
}

// BLPop blocks up to timeout for the next payload. A timeout with no message
// is not an error; the second return reports whether a payload was received.
func (s *RedisStore) BLPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blpop %s: %w", queue, err)
	}
	// BLPOP returns [key, value]
	if len(res) < 2 {
		return "", false, fmt.Errorf("blpop %s: short reply", queue)
	}
	return res[1], true, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, set, member string) error {
	return s.client.SAdd(ctx, set, member).Err()
}

func (s *RedisStore) SetRemove(ctx context.Context, set, member string) error {
	return s.client.SRem(ctx, set, member).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	return s.client.SMembers(ctx, set).Result()
}

// IncrWithWindow atomically increments key and arms its expiry for the
// window. The NX expiry only fires when the key has none, which covers both
// the first hit of a window and a key whose earlier EXPIRE was lost; a
// concurrent first hit is race-tolerant.
func (s *RedisStore) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if err := s.client.ExpireNX(ctx, key, window).Err(); err != nil {
		return count, fmt.Errorf("expire %s: %w", key, err)
	}
	return count, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ListRange returns up to n entries from the head of a list without
// consuming them. Used by the DLQ inspection endpoints.
func (s *RedisStore) ListRange(ctx context.Context, queue string, n int64) ([]string, error) {
	return s.client.LRange(ctx, queue, 0, n-1).Result()
}

// PopNoWait removes and returns the head of a list without blocking.
func (s *RedisStore) PopNoWait(ctx context.Context, queue string) (string, bool, error) {
	res, err := s.client.LPop(ctx, queue).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return res, true, nil
}

// ListLen reports the depth of a list queue. Used by the queue depth gauges.
func (s *RedisStore) ListLen(ctx context.Context, queue string) (int64, error) {
	return s.client.LLen(ctx, queue).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
