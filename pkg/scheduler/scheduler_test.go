package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komari-bot/komari/pkg/logger"
)

func TestScheduler_RegisterIsIdempotent(t *testing.T) {
	s := New(logger.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("consolidation", "@every 5m", noop))
	require.NoError(t, s.Register("consolidation", "@every 10m", noop))
	require.NoError(t, s.Register("forgetting", "0 0 4 * * *", noop))

	assert.Equal(t, []string{"consolidation", "forgetting"}, s.Jobs())
	assert.Len(t, s.cron.Entries(), 2)
}

func TestScheduler_RejectsBadSchedule(t *testing.T) {
	s := New(logger.Nop())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Register("x", "not a schedule", noop))
	assert.Error(t, s.Register("", "@every 1m", noop))
	assert.Empty(t, s.Jobs())
}

func TestScheduler_FiveFieldSchedule(t *testing.T) {
	s := New(logger.Nop())
	require.NoError(t, s.Register("x", "*/5 * * * *", func(context.Context) error { return nil }))
}

func TestScheduler_Unregister(t *testing.T) {
	s := New(logger.Nop())
	require.NoError(t, s.Register("x", "@every 1m", func(context.Context) error { return nil }))

	require.NoError(t, s.Unregister("x"))
	assert.ErrorIs(t, s.Unregister("x"), ErrUnknownJob)
	_, err := s.Next("x")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RunsJobsUntilStopped(t *testing.T) {
	s := New(logger.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}))

	s.Start()
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
	next, err := s.Next("tick")
	require.NoError(t, err)
	assert.False(t, next.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := New(logger.Nop())
	started := make(chan struct{})
	var once atomic.Bool
	require.NoError(t, s.Register("slow", "* * * * * *", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

func TestScheduler_RestartGetsLiveContext(t *testing.T) {
	s := New(logger.Nop())
	var live atomic.Int32
	require.NoError(t, s.Register("tick", "* * * * * *", func(ctx context.Context) error {
		if ctx.Err() == nil {
			live.Add(1)
		}
		return nil
	}))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	live.Store(0)

	s.Start()
	require.Eventually(t, func() bool { return live.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(ctx))
}
