// Package badger provides a Badger-based implementation of storage.KV.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/komari-bot/komari/pkg/storage"
)

// metaList marks entries holding a JSON encoded list.
const metaList byte = 1

// maxConflictRetries bounds optimistic transaction retries.
const maxConflictRetries = 10

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	InMemory          bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
}

// BadgerStorage implements storage.KV using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
}

// NewBadgerStorage creates a new Badger storage instance.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	return &BadgerStorage{
		db:     db,
		config: config,
	}, nil
}

func serializeList(list []string) ([]byte, error) {
	data, err := json.Marshal(list)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserializeList(data []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return list, nil
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (b *BadgerStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readList(txn *badger.Txn, key string) ([]string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	err = item.Value(func(val []byte) error {
		var derr error
		list, derr = deserializeList(val)
		return derr
	})
	return list, err
}

// AppendTrim appends values and keeps the newest max elements.
func (b *BadgerStorage) AppendTrim(ctx context.Context, key string, max int, values ...string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		list, err := readList(txn, key)
		if err != nil {
			return err
		}
		list = storage.TrimNewest(append(list, values...), max)
		data, err := serializeList(list)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithMeta(metaList))
	})
}

// TrimFront drops the oldest n list elements, deleting the key when none
// remain.
func (b *BadgerStorage) TrimFront(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	return b.update(ctx, func(txn *badger.Txn) error {
		list, err := readList(txn, key)
		if err != nil || list == nil {
			return err
		}
		list = storage.DropOldest(list, n)
		if len(list) == 0 {
			return txn.Delete([]byte(key))
		}
		data, err := serializeList(list)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithMeta(metaList))
	})
}

// Range returns list elements between start and stop inclusive.
func (b *BadgerStorage) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var list []string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		list, err = readList(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	lo, hi, ok := storage.RangeBounds(len(list), start, stop)
	if !ok {
		return []string{}, nil
	}
	return list[lo:hi], nil
}

// Get returns the string at key.
func (b *BadgerStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{Key: key}
			}
			return err
		}
		if item.UserMeta() == metaList {
			return &storage.NotFoundError{Key: key}
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value at key.
func (b *BadgerStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// IncrBy adds n to the integer at key. An existing ttl is preserved.
func (b *BadgerStorage) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	var result int64
	err := b.update(ctx, func(txn *badger.Txn) error {
		var current int64
		var expiresAt uint64
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			expiresAt = item.ExpiresAt()
			err = item.Value(func(val []byte) error {
				v, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return &storage.SerializationError{Operation: "incr", Cause: perr}
				}
				current = v
				return nil
			})
			if err != nil {
				return err
			}
		}
		result = current + n
		e := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(result, 10)))
		e.ExpiresAt = expiresAt
		return txn.SetEntry(e)
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Expire sets a ttl on an existing key.
func (b *BadgerStorage) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), val).WithMeta(item.UserMeta()).WithTTL(ttl))
	})
}

// Delete removes keys.
func (b *BadgerStorage) Delete(ctx context.Context, keys ...string) error {
	return b.update(ctx, func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Exists reports whether key is present.
func (b *BadgerStorage) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Keys returns keys matching pattern in sorted order. The literal prefix of
// the pattern bounds the iteration.
func (b *BadgerStorage) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := pattern
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		prefix = pattern[:i]
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().KeyCopy(nil))
			if storage.MatchPattern(pattern, key) {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping reports whether the database is open.
func (b *BadgerStorage) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return &storage.StorageUnavailableError{Cause: errors.New("badger database is closed")}
	}
	return nil
}

// Close closes the Badger database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
