// Package redis provides a Redis-backed implementation of storage.KV.
package redis

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/komari-bot/komari/pkg/storage"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 200

// Config holds connection settings for NewClient.
type Config struct {
	Address      string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a Redis client from the given config.
func NewClient(cfg Config) *goredis.Client {
	opts := &goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	return goredis.NewClient(opts)
}

// RedisStorage implements storage.KV on top of a go-redis client.
type RedisStorage struct {
	client goredis.Cmdable
	closer io.Closer
	prefix string
}

// Option configures RedisStorage.
type Option func(*RedisStorage)

// WithKeyPrefix namespaces every key. Keys returned by Keys have the prefix
// stripped.
func WithKeyPrefix(prefix string) Option {
	return func(r *RedisStorage) {
		r.prefix = prefix
	}
}

// NewRedisStorage wraps client. If client implements io.Closer, Close closes it.
func NewRedisStorage(client goredis.Cmdable, opts ...Option) *RedisStorage {
	r := &RedisStorage{client: client}
	if c, ok := client.(io.Closer); ok {
		r.closer = c
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStorage) key(k string) string {
	return r.prefix + k
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

// AppendTrim pipelines RPUSH and LTRIM in one transaction.
func (r *RedisStorage) AppendTrim(ctx context.Context, key string, max int, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	k := r.key(key)
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, k, args...)
		if max > 0 {
			pipe.LTrim(ctx, k, int64(-max), -1)
		}
		return nil
	})
	return wrapErr(err)
}

// TrimFront keeps elements from index n onwards. Redis deletes the key when
// LTRIM leaves it empty.
func (r *RedisStorage) TrimFront(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	return wrapErr(r.client.LTrim(ctx, r.key(key), int64(n), -1).Err())
}

// Range returns list elements between start and stop inclusive.
func (r *RedisStorage) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(ctx, r.key(key), start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

// Get returns the string at key.
func (r *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", &storage.NotFoundError{Key: key}
	}
	if err != nil {
		return "", wrapErr(err)
	}
	return value, nil
}

// Set stores value at key.
func (r *RedisStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(r.client.Set(ctx, r.key(key), value, ttl).Err())
}

// IncrBy adds n to the integer at key.
func (r *RedisStorage) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, r.key(key), n).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return v, nil
}

// Expire sets a ttl on an existing key.
func (r *RedisStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(r.client.Expire(ctx, r.key(key), ttl).Err())
}

// Delete removes keys.
func (r *RedisStorage) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return wrapErr(r.client.Del(ctx, full...).Err())
}

// Exists reports whether key is present.
func (r *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

// Keys iterates SCAN until the cursor wraps.
func (r *RedisStorage) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.key(pattern), scanCount).Result()
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return dedupe(keys), nil
}

// dedupe removes adjacent duplicates; SCAN may return a key more than once.
func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, k := range sorted[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}

// Ping checks the connection.
func (r *RedisStorage) Ping(ctx context.Context) error {
	return wrapErr(r.client.Ping(ctx).Err())
}

// Close closes the underlying client when owned.
func (r *RedisStorage) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
