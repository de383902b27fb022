// Package store provides the key-value persistence layer. All durable kernel
// state lives here under sz:* keys. The interface mirrors the small set of
// Redis primitives the kernel relies on: atomic single-key operations
// (including compare-and-set), lists, sets, sorted sets, hashes and TTL.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is the persistence capability the kernel components are written
// against. RedisStore is the production implementation; MemoryStore backs
// unit tests.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if the key does not exist. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSet atomically replaces expect with value at key. Returns
	// true when the swap happened. An empty expect means "key must not
	// exist"; an empty value deletes the key.
	CompareAndSet(ctx context.Context, key, expect, value string) (bool, error)
	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Keys returns all keys matching prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error
	// LPop removes and returns the head of the list, or ErrNotFound when empty.
	LPop(ctx context.Context, key string) (string, error)
	// LRange returns elements [start, stop] (inclusive, negative indexes as
	// in Redis).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LLen returns the list length.
	LLen(ctx context.Context, key string) (int64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRem removes members from the sorted set at key.
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRevRange returns members by descending score, offset/count paginated.
	ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error)
	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// HSet writes a hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HGet reads a hash field, or ErrNotFound.
	HGet(ctx context.Context, key, field string) (string, error)
	// HGetAll returns the whole hash (nil map when the key is absent).
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes hash fields.
	HDel(ctx context.Context, key string, fields ...string) error

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
