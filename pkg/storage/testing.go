package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// KVTestSuite defines a test suite that can be run against any KV implementation.
type KVTestSuite struct {
	NewKV func(t *testing.T) KV

	// SkipTTL disables expiry checks for backends that cannot expire keys
	// within the test timeframe.
	SkipTTL bool
}

// RunAllTests runs all KV tests against the provided implementation.
func (s *KVTestSuite) RunAllTests(t *testing.T) {
	t.Run("AppendTrimKeepsNewest", s.TestAppendTrimKeepsNewest)
	t.Run("RangeNegativeIndexes", s.TestRangeNegativeIndexes)
	t.Run("TrimFront", s.TestTrimFront)
	t.Run("StringRoundTrip", s.TestStringRoundTrip)
	t.Run("IncrBy", s.TestIncrBy)
	t.Run("DeleteAndExists", s.TestDeleteAndExists)
	t.Run("KeysPattern", s.TestKeysPattern)
	t.Run("ConcurrentAppend", s.TestConcurrentAppend)
	if !s.SkipTTL {
		t.Run("Expiry", s.TestExpiry)
	}
}

// TestAppendTrimKeepsNewest verifies trimming drops the oldest elements.
func (s *KVTestSuite) TestAppendTrimKeepsNewest(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := kv.AppendTrim(ctx, "list:a", 3, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("AppendTrim failed: %v", err)
		}
	}

	got, err := kv.Range(ctx, "list:a", 0, -1)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	want := []string{"m2", "m3", "m4"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if err := kv.AppendTrim(ctx, "list:b", 10, "x", "y"); err != nil {
		t.Fatalf("AppendTrim batch failed: %v", err)
	}
	got, _ = kv.Range(ctx, "list:b", 0, -1)
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected [x y], got %v", got)
	}
}

// TestTrimFront verifies the oldest elements go first and an emptied list
// disappears.
func (s *KVTestSuite) TestTrimFront(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	if err := kv.AppendTrim(ctx, "list:t", 0, "a", "b", "c", "d", "e"); err != nil {
		t.Fatalf("AppendTrim failed: %v", err)
	}
	if err := kv.TrimFront(ctx, "list:t", 3); err != nil {
		t.Fatalf("TrimFront failed: %v", err)
	}
	got, err := kv.Range(ctx, "list:t", 0, -1)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("expected [d e], got %v", got)
	}

	if err := kv.TrimFront(ctx, "list:t", 10); err != nil {
		t.Fatalf("TrimFront past the end failed: %v", err)
	}
	if ok, _ := kv.Exists(ctx, "list:t"); ok {
		t.Error("expected an emptied list to be removed")
	}
	if err := kv.TrimFront(ctx, "list:missing", 1); err != nil {
		t.Errorf("TrimFront on a missing key: %v", err)
	}
}

// TestRangeNegativeIndexes verifies LRANGE style bounds.
func (s *KVTestSuite) TestRangeNegativeIndexes(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	if err := kv.AppendTrim(ctx, "list:r", 0, "a", "b", "c", "d"); err != nil {
		t.Fatalf("AppendTrim failed: %v", err)
	}

	got, err := kv.Range(ctx, "list:r", -2, -1)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Errorf("expected [c d], got %v", got)
	}

	got, _ = kv.Range(ctx, "list:r", 5, 10)
	if len(got) != 0 {
		t.Errorf("expected empty range, got %v", got)
	}

	got, _ = kv.Range(ctx, "list:missing", 0, -1)
	if len(got) != 0 {
		t.Errorf("expected empty missing list, got %v", got)
	}
}

// TestStringRoundTrip verifies Set and Get.
func (s *KVTestSuite) TestStringRoundTrip(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "str:missing")
	if !IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	if err := kv.Set(ctx, "str:a", "hello", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := kv.Get(ctx, "str:a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected hello, got %s", got)
	}
}

// TestIncrBy verifies counters start at zero.
func (s *KVTestSuite) TestIncrBy(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	n, err := kv.IncrBy(ctx, "cnt:a", 5)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5, got %d", n)
	}
	n, _ = kv.IncrBy(ctx, "cnt:a", 2)
	if n != 7 {
		t.Errorf("expected 7, got %d", n)
	}

	got, err := kv.Get(ctx, "cnt:a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "7" {
		t.Errorf("expected \"7\", got %q", got)
	}
}

// TestDeleteAndExists verifies deletion of strings and lists.
func (s *KVTestSuite) TestDeleteAndExists(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	_ = kv.Set(ctx, "del:a", "1", 0)
	_ = kv.AppendTrim(ctx, "del:b", 0, "1")

	ok, err := kv.Exists(ctx, "del:a")
	if err != nil || !ok {
		t.Fatalf("expected del:a to exist, got %v %v", ok, err)
	}

	if err := kv.Delete(ctx, "del:a", "del:b", "del:missing"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, key := range []string{"del:a", "del:b"} {
		ok, _ := kv.Exists(ctx, key)
		if ok {
			t.Errorf("expected %s to be deleted", key)
		}
	}
}

// TestKeysPattern verifies glob scans.
func (s *KVTestSuite) TestKeysPattern(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	_ = kv.AppendTrim(ctx, "scan:buffer:1", 0, "a")
	_ = kv.AppendTrim(ctx, "scan:buffer:2", 0, "a")
	_ = kv.Set(ctx, "scan:tokens:1", "3", 0)

	keys, err := kv.Keys(ctx, "scan:buffer:*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "scan:buffer:1" || keys[1] != "scan:buffer:2" {
		t.Errorf("expected two buffer keys, got %v", keys)
	}
}

// TestConcurrentAppend verifies appends are not lost under contention.
func (s *KVTestSuite) TestConcurrentAppend(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	errCh := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := kv.AppendTrim(ctx, "conc:list", 0, fmt.Sprintf("%d-%d", w, i)); err != nil {
					errCh <- err
				}
				if _, err := kv.IncrBy(ctx, "conc:count", 1); err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent operation failed: %v", err)
	}

	got, _ := kv.Range(ctx, "conc:list", 0, -1)
	if len(got) != workers*perWorker {
		t.Errorf("expected %d elements, got %d", workers*perWorker, len(got))
	}
	count, _ := kv.Get(ctx, "conc:count")
	if count != fmt.Sprint(workers*perWorker) {
		t.Errorf("expected count %d, got %s", workers*perWorker, count)
	}
}

// TestExpiry verifies ttl handling on Set and Expire.
func (s *KVTestSuite) TestExpiry(t *testing.T) {
	kv := s.NewKV(t)
	ctx := context.Background()

	if err := kv.Set(ctx, "ttl:a", "v", time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_, _ = kv.IncrBy(ctx, "ttl:b", 1)
	if err := kv.Expire(ctx, "ttl:b", time.Second); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	for _, key := range []string{"ttl:a", "ttl:b"} {
		ok, err := kv.Exists(ctx, key)
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if ok {
			t.Errorf("expected %s to expire", key)
		}
	}
}
