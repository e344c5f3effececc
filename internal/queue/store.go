// Package queue provides the durable queue store used by the job system and
// the bot supervisor for status propagation.
//
// The store is deliberately small: sorted sets for ready/delayed ordering,
// hashes for per-job records, key expiry for retention, and a publish
// channel for result/event notification. It is the single source of truth
// between the dispatch loop, the sweeps, and the supervisor; every state
// transition is one atomic write keyed by id, so no in-process locking is
// needed across components.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoMember is returned by ZPopMin when the set is empty and by
	// HGetAll when the key does not exist.
	ErrNoMember = errors.New("queue: no such member")
)

// Store is the minimal durable-store API required by the orchestration core.
type Store interface {
	// ZAdd adds or updates member in the named sorted set.
	ZAdd(ctx context.Context, set, member string, score float64) error
	// ZPopMin atomically removes and returns the lowest-scored member.
	ZPopMin(ctx context.Context, set string) (member string, score float64, err error)
	// ZRangeByScore returns up to limit members with score <= max, ascending.
	ZRangeByScore(ctx context.Context, set string, max float64, limit int64) ([]string, error)
	// ZRem removes member; reports whether it was present.
	ZRem(ctx context.Context, set, member string) (bool, error)
	// ZCard returns the cardinality of the named sorted set.
	ZCard(ctx context.Context, set string) (int64, error)

	// HSet sets the given fields on the hash at key.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all fields of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Expire sets a TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del removes key.
	Del(ctx context.Context, key string) error

	// Publish sends message on the named channel. Fire-and-forget; the
	// API/UI layer is the consumer.
	Publish(ctx context.Context, channel, message string) error

	// Ping reports store reachability (used by health checks).
	Ping(ctx context.Context) error

	Close() error
}

// Config selects and configures a store driver.
//
// Driver values:
//   - "redis": shared Redis instance (production)
//   - "memory": in-process store (tests, single-node dev)
type Config struct {
	Driver string

	Addr     string
	Password string
	DB       int

	ConnTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return openRedis(cfg)
	default:
		return nil, errors.New("unknown queue store driver: " + cfg.Driver)
	}
}
