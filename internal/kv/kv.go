// Package kv defines the key-value store contract shared by every adaptive
// component. Any backend offering TTL-aware strings, hashes, sorted sets, and
// sets satisfies the interface; the service ships a memory and a Redis
// implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for keys that do not exist.
var ErrNotFound = errors.New("kv: key not found")

// Member pairs a sorted-set member with its score.
type Member struct {
	Value string
	Score float64
}

// Store is the storage contract for counters, windows, candidate hashes, and
// ranked indexes. All operations are atomic with respect to a single key.
type Store interface {
	// Get returns the string value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes a string value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments an integer value, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets a ttl on an existing key; it is a no-op for missing keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// HGetAll returns every field of a hash; missing hashes yield an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes hash fields from alternating field/value pairs.
	HSet(ctx context.Context, key string, pairs ...string) error
	// HIncrBy atomically increments an integer hash field.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// ZAdd inserts or updates a member with the given score.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRange returns members by ascending rank, inclusive. Negative indexes
	// count from the end, Redis-style.
	ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// ZRevRange returns members by descending rank, inclusive.
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// ZRem removes members from a sorted set.
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRemRangeByScore removes members with min <= score <= max and returns
	// the removed count.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZRemRangeByRank removes members by ascending rank, inclusive.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)
	// ZCard returns the cardinality of a sorted set.
	ZCard(ctx context.Context, key string) (int64, error)

	// SAdd inserts members into a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
}
