package buffer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/storage"
	"github.com/komari-bot/komari/pkg/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBuffer(t *testing.T, maxSize int) (*Buffer, *testClock, storage.KV) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 29, 10, 15, 0, 0, time.UTC)}
	kv := memory.NewMemoryStorage(memory.WithClock(clock.Now))
	b := New(kv, Config{KeyPrefix: "test", MaxSize: maxSize},
		WithClock(clock.Now), WithLogger(logger.Nop()))
	return b, clock, kv
}

func msg(id, content string) Message {
	return Message{SenderID: "u1", SenderName: "Alice", Content: content, MessageID: id}
}

func TestPush_TrimsOldest(t *testing.T) {
	b, _, _ := newTestBuffer(t, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, b.Push(ctx, "g1", msg(fmt.Sprint(i), fmt.Sprintf("m%d", i))))
	}

	all, err := b.GetAll(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m3", all[0].Content)
	assert.Equal(t, "m5", all[2].Content)
	assert.Equal(t, "g1", all[0].ConversationID)
	assert.False(t, all[0].Timestamp.IsZero())
}

func TestPush_RequiresConversation(t *testing.T) {
	b, _, _ := newTestBuffer(t, 10)
	assert.ErrorIs(t, b.Push(context.Background(), "", msg("1", "x")), ErrEmptyConversation)
}

func TestGetRecent_ChronologicalOrder(t *testing.T) {
	b, _, _ := newTestBuffer(t, 100)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		require.NoError(t, b.Push(ctx, "g1", msg(fmt.Sprint(i), fmt.Sprintf("m%d", i))))
	}

	recent, err := b.GetRecent(ctx, "g1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"m8", "m9", "m10"},
		[]string{recent[0].Content, recent[1].Content, recent[2].Content})

	none, err := b.GetRecent(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	more, err := b.GetRecent(ctx, "g1", 50)
	require.NoError(t, err)
	assert.Len(t, more, 10)
}

func TestGetWindowAround(t *testing.T) {
	b, _, _ := newTestBuffer(t, 100)
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		require.NoError(t, b.Push(ctx, "g1", msg(fmt.Sprint(i), fmt.Sprintf("m%d", i))))
	}

	tests := []struct {
		name   string
		id     string
		before int
		after  int
		want   []string
	}{
		{"middle", "3", 1, 1, []string{"m2", "m3", "m4"}},
		{"clipped at start", "1", 3, 1, []string{"m1", "m2"}},
		{"clipped at end", "6", 2, 5, []string{"m4", "m5", "m6"}},
		{"missing", "42", 1, 1, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.GetWindowAround(ctx, "g1", tt.id, tt.before, tt.after)
			require.NoError(t, err)
			contents := make([]string, 0, len(got))
			for _, m := range got {
				contents = append(contents, m.Content)
			}
			assert.Equal(t, tt.want, contents)
		})
	}
}

func TestCorruptEntriesAreSkipped(t *testing.T) {
	b, _, kv := newTestBuffer(t, 100)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "g1", msg("1", "ok")))
	require.NoError(t, kv.AppendTrim(ctx, "test:buffer:g1", 0, "{not json"))

	all, err := b.GetAll(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ok", all[0].Content)
}

func TestOldestAndConsume(t *testing.T) {
	b, _, kv := newTestBuffer(t, 100)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "g1", msg("1", "早上好")))
	require.NoError(t, kv.AppendTrim(ctx, "test:buffer:g1", 0, "{not json"))
	for i, content := range []string{"ab", "cde", "fghi"} {
		require.NoError(t, b.Push(ctx, "g1", msg(fmt.Sprint(i+2), content)))
	}
	for _, content := range []string{"早上好", "ab", "cde", "fghi"} {
		_, err := b.IncrementMessageCount(ctx, "g1")
		require.NoError(t, err)
		_, err = b.IncrementTokens(ctx, "g1", EstimateTokens(content))
		require.NoError(t, err)
	}

	batch, err := b.Oldest(ctx, "g1", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Span)
	require.Len(t, batch.Messages, 2)
	assert.Equal(t, "ab", batch.Messages[1].Content)

	remaining, err := b.Consume(ctx, "g1", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	left, err := b.GetAll(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "cde", left[0].Content)
	count, err := b.MessageCount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	tokens, err := b.Tokens(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), tokens)

	batch, err = b.Oldest(ctx, "g1", 10)
	require.NoError(t, err)
	remaining, err = b.Consume(ctx, "g1", batch)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	count, err = b.MessageCount(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, count)
	ids, err := b.ActiveConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCounters(t *testing.T) {
	b, _, _ := newTestBuffer(t, 100)
	ctx := context.Background()

	n, err := b.MessageCount(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = b.IncrementMessageCount(ctx, "g1")
	require.NoError(t, err)
	n, err = b.IncrementMessageCount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = b.IncrementTokens(ctx, "g1", EstimateTokens("你好世界"))
	require.NoError(t, err)
	tokens, err := b.Tokens(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), tokens)

	require.NoError(t, b.ResetMessageCount(ctx, "g1"))
	require.NoError(t, b.ResetTokens(ctx, "g1"))

	n, _ = b.MessageCount(ctx, "g1")
	tokens, _ = b.Tokens(ctx, "g1")
	assert.Zero(t, n)
	assert.Zero(t, tokens)
}

func TestLastSummary(t *testing.T) {
	b, clock, _ := newTestBuffer(t, 100)
	ctx := context.Background()

	_, ok, err := b.LastSummary(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetLastSummary(ctx, "g1", clock.Now()))
	got, ok, err := b.LastSummary(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(clock.Now()))
}

func TestClearAndActiveConversations(t *testing.T) {
	b, _, _ := newTestBuffer(t, 100)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, "g1", msg("1", "a")))
	require.NoError(t, b.Push(ctx, "g2", msg("2", "b")))
	_, _ = b.IncrementMessageCount(ctx, "g3")

	ids, err := b.ActiveConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids)

	require.NoError(t, b.Clear(ctx, "g1"))
	ids, err = b.ActiveConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g2"}, ids)

	length, err := b.Len(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestProactiveBookkeeping(t *testing.T) {
	b, clock, _ := newTestBuffer(t, 100)
	ctx := context.Background()

	on, err := b.OnCooldown(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, on)

	require.NoError(t, b.SetCooldown(ctx, "g1", 5*time.Minute))
	on, _ = b.OnCooldown(ctx, "g1")
	assert.True(t, on)

	clock.Advance(5 * time.Minute)
	on, _ = b.OnCooldown(ctx, "g1")
	assert.False(t, on)

	_, err = b.IncrementProactiveCount(ctx, "g1")
	require.NoError(t, err)
	n, err := b.IncrementProactiveCount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := b.ProactiveCount(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	clock.Advance(time.Hour)
	count, err = b.ProactiveCount(ctx, "g1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestConcurrentPush(t *testing.T) {
	b, _, _ := newTestBuffer(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = b.Push(ctx, "g1", msg(fmt.Sprintf("%d-%d", w, i), "x"))
				_, _ = b.IncrementMessageCount(ctx, "g1")
			}
		}(w)
	}
	wg.Wait()

	length, err := b.Len(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 100, length)
	count, _ := b.MessageCount(ctx, "g1")
	assert.Equal(t, int64(100), count)
}
