package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore backs the Store interface with a shared Redis instance.
//
// All multi-member updates the job system performs are single commands here,
// so per-key atomicity comes from Redis itself.
type redisStore struct {
	rdb *redis.Client
}

func openRedis(cfg Config) (Store, error) {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: connTimeout,
		// Read timeout stays default; the dispatch loop polls rather than
		// blocking on the server.
	})

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("queue: redis ping %s: %w", cfg.Addr, err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) ZAdd(ctx context.Context, set, member string, score float64) error {
	return s.rdb.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err()
}

func (s *redisStore) ZPopMin(ctx context.Context, set string) (string, float64, error) {
	zres, err := s.rdb.ZPopMin(ctx, set, 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("queue: zpopmin %s: %w", set, err)
	}
	if len(zres) == 0 {
		return "", 0, ErrNoMember
	}
	member, _ := zres[0].Member.(string)
	return member, zres[0].Score, nil
}

func (s *redisStore) ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue: zrangebyscore %s: %w", set, err)
	}
	return members, nil
}

func (s *redisStore) ZRem(ctx context.Context, set, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, set, member).Result()
	if err != nil {
		return false, fmt.Errorf("queue: zrem %s: %w", set, err)
	}
	return n > 0, nil
}

func (s *redisStore) ZCard(ctx context.Context, set string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, set).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: zcard %s: %w", set, err)
	}
	return n, nil
}

func (s *redisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		flat[k] = v
	}
	return s.rdb.HSet(ctx, key, flat).Err()
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: hgetall %s: %w", key, err)
	}
	if len(m) == 0 {
		return nil, ErrNoMember
	}
	return m, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *redisStore) Del(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *redisStore) Publish(ctx context.Context, channel, message string) error {
	return s.rdb.Publish(ctx, channel, message).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error { return s.rdb.Close() }
