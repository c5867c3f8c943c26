// Package storage provides the key-value abstraction behind the short-term
// message buffer and its per-conversation counters.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"
)

// KV is a small subset of Redis semantics: lists, strings, integer counters,
// TTLs and pattern scans. Implementations must be safe for concurrent use.
type KV interface {
	// AppendTrim appends values to the list at key and keeps only the newest
	// max elements. A max of 0 or less disables trimming.
	AppendTrim(ctx context.Context, key string, max int, values ...string) error

	// TrimFront drops the oldest n elements of the list at key. The key is
	// removed once the list is empty.
	TrimFront(ctx context.Context, key string, n int) error

	// Range returns list elements between start and stop inclusive, with
	// negative indexes counted from the end as in LRANGE.
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Get returns the string at key or a *NotFoundError.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A ttl of 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrBy adds n to the integer at key, creating it at 0, and returns the
	// new value.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Expire sets a ttl on an existing key. It is a no-op for missing keys.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns keys matching a glob pattern such as "prefix:buffer:*".
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping checks backend availability.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NotFoundError indicates that the requested key was not found.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err is a *StorageUnavailableError.
func IsUnavailable(err error) bool {
	var su *StorageUnavailableError
	return errors.As(err, &su)
}

// RangeBounds resolves LRANGE style indexes against a list of length n.
// ok is false when the range selects nothing.
func RangeBounds(n int, start, stop int64) (lo, hi int, ok bool) {
	size := int64(n)
	if start < 0 {
		start += size
	}
	if stop < 0 {
		stop += size
	}
	if start < 0 {
		start = 0
	}
	if stop >= size {
		stop = size - 1
	}
	if size == 0 || start > stop || start >= size {
		return 0, 0, false
	}
	return int(start), int(stop) + 1, true
}

// MatchPattern reports whether key matches a glob pattern.
func MatchPattern(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

// DropOldest returns list without its first n elements.
func DropOldest(list []string, n int) []string {
	if n <= 0 {
		return list
	}
	if n >= len(list) {
		return nil
	}
	return list[n:]
}

// TrimNewest returns the newest max elements of list.
func TrimNewest(list []string, max int) []string {
	if max <= 0 || len(list) <= max {
		return list
	}
	return list[len(list)-max:]
}
