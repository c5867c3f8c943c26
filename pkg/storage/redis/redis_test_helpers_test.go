package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/komari-bot/komari/pkg/storage"
)

var errMockRedisUnavailable = errors.New("mock redis unavailable")

type mockRedisClient struct {
	goredis.Cmdable

	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	expiry  map[string]time.Time
	down    atomic.Bool
}

func newMockRedisClient(t *testing.T) *mockRedisClient {
	t.Helper()

	return &mockRedisClient{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		expiry:  make(map[string]time.Time),
	}
}

func (m *mockRedisClient) SetDown(down bool) {
	m.down.Store(down)
}

// expireLocked drops key if its ttl passed. Caller holds m.mu.
func (m *mockRedisClient) expireLocked(key string) {
	if at, ok := m.expiry[key]; ok && !time.Now().Before(at) {
		delete(m.strings, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
}

func (m *mockRedisClient) existsLocked(key string) bool {
	m.expireLocked(key)
	_, s := m.strings[key]
	_, l := m.lists[key]
	return s || l
}

func (m *mockRedisClient) Ping(_ context.Context) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	return goredis.NewStatusResult("PONG", nil)
}

type mockPipeline struct {
	goredis.Pipeliner
	ops []func()
	m   *mockRedisClient
}

func (p *mockPipeline) RPush(_ context.Context, key string, values ...interface{}) *goredis.IntCmd {
	p.ops = append(p.ops, func() {
		p.m.expireLocked(key)
		for _, v := range values {
			p.m.lists[key] = append(p.m.lists[key], normalizeRedisValue(v))
		}
	})
	return goredis.NewIntResult(0, nil)
}

func (p *mockPipeline) LTrim(_ context.Context, key string, start, stop int64) *goredis.StatusCmd {
	p.ops = append(p.ops, func() { p.m.ltrimLocked(key, start, stop) })
	return goredis.NewStatusResult("OK", nil)
}

// ltrimLocked mirrors LTRIM, removing the key when nothing is kept. Caller
// holds m.mu.
func (m *mockRedisClient) ltrimLocked(key string, start, stop int64) {
	m.expireLocked(key)
	list := m.lists[key]
	lo, hi, ok := storage.RangeBounds(len(list), start, stop)
	if !ok {
		delete(m.lists, key)
		delete(m.expiry, key)
		return
	}
	m.lists[key] = append([]string(nil), list[lo:hi]...)
}

func (m *mockRedisClient) LTrim(_ context.Context, key string, start, stop int64) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ltrimLocked(key, start, stop)
	return goredis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) TxPipelined(_ context.Context, fn func(goredis.Pipeliner) error) ([]goredis.Cmder, error) {
	if m.down.Load() {
		return nil, errMockRedisUnavailable
	}
	pipe := &mockPipeline{m: m}
	if err := fn(pipe); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range pipe.ops {
		op()
	}
	return nil, nil
}

func (m *mockRedisClient) LRange(_ context.Context, key string, start, stop int64) *goredis.StringSliceCmd {
	if m.down.Load() {
		return goredis.NewStringSliceResult(nil, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(key)
	list := m.lists[key]
	lo, hi, ok := storage.RangeBounds(len(list), start, stop)
	if !ok {
		return goredis.NewStringSliceResult([]string{}, nil)
	}
	return goredis.NewStringSliceResult(append([]string(nil), list[lo:hi]...), nil)
}

func (m *mockRedisClient) Get(_ context.Context, key string) *goredis.StringCmd {
	if m.down.Load() {
		return goredis.NewStringResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd {
	if m.down.Load() {
		return goredis.NewStatusResult("", errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.lists, key)
	delete(m.expiry, key)
	m.strings[key] = normalizeRedisValue(value)
	if expiration > 0 {
		m.expiry[key] = time.Now().Add(expiration)
	}
	return goredis.NewStatusResult("OK", nil)
}

func (m *mockRedisClient) IncrBy(_ context.Context, key string, value int64) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(key)
	current := int64(0)
	if s, ok := m.strings[key]; ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return goredis.NewIntResult(0, errors.New("ERR value is not an integer or out of range"))
		}
		current = v
	}
	current += value
	m.strings[key] = strconv.FormatInt(current, 10)
	return goredis.NewIntResult(current, nil)
}

func (m *mockRedisClient) Expire(_ context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	if m.down.Load() {
		return goredis.NewBoolResult(false, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.existsLocked(key) {
		return goredis.NewBoolResult(false, nil)
	}
	m.expiry[key] = time.Now().Add(expiration)
	return goredis.NewBoolResult(true, nil)
}

func (m *mockRedisClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, key := range keys {
		if m.existsLocked(key) {
			removed++
		}
		delete(m.strings, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
	return goredis.NewIntResult(removed, nil)
}

func (m *mockRedisClient) Exists(_ context.Context, keys ...string) *goredis.IntCmd {
	if m.down.Load() {
		return goredis.NewIntResult(0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if m.existsLocked(key) {
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (m *mockRedisClient) Scan(_ context.Context, _ uint64, match string, _ int64) *goredis.ScanCmd {
	if m.down.Load() {
		return goredis.NewScanCmdResult(nil, 0, errMockRedisUnavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	seen := make(map[string]struct{})
	collect := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		if m.existsLocked(key) && storage.MatchPattern(match, key) {
			keys = append(keys, key)
		}
	}
	for key := range m.strings {
		collect(key)
	}
	for key := range m.lists {
		collect(key)
	}
	sort.Strings(keys)
	return goredis.NewScanCmdResult(keys, 0, nil)
}

func normalizeRedisValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func requireRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	addr := os.Getenv("KOMARI_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := NewClient(Config{
		Address:      addr,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func uniqueKeyPrefix(prefix string) string {
	return fmt.Sprintf("komari:test:%s:%d:", prefix, time.Now().UnixNano())
}
