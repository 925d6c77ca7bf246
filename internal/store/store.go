// Package store abstracts the persistent map/set/ordered-list operations the
// rest of the platform runs on. Implementations must be atomic at the single
// key granularity; callers never rely on multi-key transactions.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is a sentinel for a missing value. The Store implementations
// in this package do not return it: HGet reports a missing field with
// ok=false, and HGetAll reports a missing key with an empty map.
var ErrNotFound = errors.New("store: not found")

// Store is the narrow persistence interface every component in this module
// depends on instead of talking to Redis (or any other backend) directly.
type Store interface {
	// HGet reads a single field of a hash record. ok is false if the key or
	// field does not exist.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HGetAll reads every field of a hash record. Returns an empty map (not
	// an error) if the key does not exist.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes one or more fields of a hash record, creating it if absent.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HSetNX writes the fields only if the key does not already exist.
	// Returns false if the key was already present (no fields written).
	HSetNX(ctx context.Context, key string, fields map[string]string) (bool, error)
	// HDel removes fields from a hash record.
	HDel(ctx context.Context, key string, fields ...string) error
	// Del removes whole keys (hash, set, or list) outright.
	Del(ctx context.Context, keys ...string) error
	// Exists reports whether a key has any value at all.
	Exists(ctx context.Context, key string) (bool, error)

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes a member from a set.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns every member of a set in unspecified order.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SIsMember reports whether member belongs to the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// LPush prepends a value to an ordered list (most-recent-first).
	LPush(ctx context.Context, key, value string) error
	// LTrim keeps only the first count elements of the list, dropping the
	// rest. A no-op if the list is already shorter than count.
	LTrim(ctx context.Context, key string, count int) error
	// LRange returns list elements in [start, stop], 0-indexed, stop == -1
	// meaning "to the end."
	LRange(ctx context.Context, key string, start, stop int) ([]string, error)
	// LRem removes the first occurrence of value from the list.
	LRem(ctx context.Context, key, value string) error
	// LLen returns the number of elements currently in the list.
	LLen(ctx context.Context, key string) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases any resources held by the backend connection.
	Close() error
}
