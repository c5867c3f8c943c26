// Package memory provides an in-process implementation of storage.KV.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/komari-bot/komari/pkg/storage"
)

type entry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStorage implements storage.KV with maps behind a mutex. Expired keys
// are removed lazily on access.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures MemoryStorage.
type Option func(*MemoryStorage)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryStorage) {
		m.now = now
	}
}

// NewMemoryStorage creates a new in-memory store.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	m := &MemoryStorage{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lookup returns the live entry for key. Caller must hold the write lock.
func (m *MemoryStorage) lookup(key string) (*entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

// AppendTrim appends values and keeps the newest max elements.
func (m *MemoryStorage) AppendTrim(ctx context.Context, key string, max int, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &entry{isList: true}
		m.entries[key] = e
	}
	e.list = storage.TrimNewest(append(e.list, values...), max)
	return nil
}

// TrimFront drops the oldest n list elements.
func (m *MemoryStorage) TrimFront(ctx context.Context, key string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || n <= 0 {
		return nil
	}
	e.list = storage.DropOldest(e.list, n)
	if len(e.list) == 0 {
		delete(m.entries, key)
	}
	return nil
}

// Range returns list elements between start and stop inclusive.
func (m *MemoryStorage) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return []string{}, nil
	}
	lo, hi, ok := storage.RangeBounds(len(e.list), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, hi-lo)
	copy(out, e.list[lo:hi])
	return out, nil
}

// Get returns the string at key.
func (m *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.isList {
		return "", &storage.NotFoundError{Key: key}
	}
	return e.value, nil
}

// Set stores value at key.
func (m *MemoryStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// IncrBy adds n to the integer at key.
func (m *MemoryStorage) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		e = &entry{value: "0"}
		m.entries[key] = e
	}
	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, &storage.SerializationError{Operation: "incr", Cause: err}
	}
	current += n
	e.value = strconv.FormatInt(current, 10)
	return current, nil
}

// Expire sets a ttl on an existing key.
func (m *MemoryStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.lookup(key); ok {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

// Delete removes keys.
func (m *MemoryStorage) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Exists reports whether key is present.
func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookup(key)
	return ok, nil
}

// Keys returns live keys matching pattern in sorted order.
func (m *MemoryStorage) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var keys []string
	for key, e := range m.entries {
		if e.expired(now) {
			continue
		}
		if storage.MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close releases the maps.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
	return nil
}
