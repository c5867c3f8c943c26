package forgetting

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/store"
)

type prefixCompressor struct{ calls int }

func (c *prefixCompressor) Compress(_ context.Context, summary string) string {
	c.calls++
	return "short: " + summary
}

func newTestDB(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "komari.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insert(t *testing.T, db *store.SQLite, importance int) int64 {
	t.Helper()
	id, err := db.InsertMemory(context.Background(), &store.Memory{
		ConversationID:    "g1",
		Summary:           "a long and detailed summary",
		Participants:      []string{"u1"},
		ImportanceInitial: importance,
		Embedding:         []float32{1, 0},
	})
	require.NoError(t, err)
	return id
}

func runN(t *testing.T, f *Forgetter, n int) Report {
	t.Helper()
	var r Report
	for i := 0; i < n; i++ {
		var err error
		r, err = f.Run(context.Background())
		require.NoError(t, err)
	}
	return r
}

func TestRun_DecayIsMonotonic(t *testing.T) {
	db := newTestDB(t)
	id := insert(t, db, 4)
	f := New(db, &prefixCompressor{}, Config{ImportanceThreshold: 3}, nil, logger.Nop())

	for want := 3; want >= 1; want-- {
		runN(t, f, 1)
		m, err := db.GetMemory(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, m.ImportanceCurrent)
	}
}

func TestRun_LowValueDeleted(t *testing.T) {
	db := newTestDB(t)
	id := insert(t, db, 2)
	f := New(db, &prefixCompressor{}, Config{ImportanceThreshold: 3}, nil, logger.Nop())

	runN(t, f, 1)
	_, err := db.GetMemory(context.Background(), id)
	require.NoError(t, err)

	r := runN(t, f, 1)
	assert.Equal(t, int64(1), r.DeletedLow)
	_, err = db.GetMemory(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_HighValueFuzzifiedOnceThenDeleted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	id := insert(t, db, 5)
	comp := &prefixCompressor{}
	f := New(db, comp, Config{ImportanceThreshold: 3, DecayFactor: 0.95}, nil, logger.Nop())

	r := runN(t, f, 5)
	assert.Equal(t, 1, r.Fuzzified)
	assert.Equal(t, 0.95, r.DecayFactor)

	m, err := db.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.IsFuzzy)
	assert.Equal(t, 5, m.ImportanceCurrent)
	assert.Equal(t, "short: a long and detailed summary", m.Summary)

	r = runN(t, f, 4)
	assert.Zero(t, r.DeletedFuzzy)
	r = runN(t, f, 1)
	assert.Equal(t, int64(1), r.DeletedFuzzy)
	assert.Zero(t, r.Fuzzified)
	assert.Equal(t, 1, comp.calls)

	_, err = db.GetMemory(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// failingRepo fails to fuzzify one memory.
type failingRepo struct {
	*store.SQLite
	failID int64
}

func (r *failingRepo) FuzzifyMemory(ctx context.Context, id int64, summary string) error {
	if id == r.failID {
		return errors.New("write failed")
	}
	return r.SQLite.FuzzifyMemory(ctx, id, summary)
}

func TestRun_FuzzifyFailureIsIsolated(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	bad := insert(t, db, 4)
	good := insert(t, db, 4)
	f := New(&failingRepo{SQLite: db, failID: bad}, &prefixCompressor{}, Config{ImportanceThreshold: 3}, nil, logger.Nop())

	r := runN(t, f, 4)
	assert.Equal(t, 1, r.Fuzzified)
	assert.Equal(t, 1, r.FuzzifyFailed)

	m, err := db.GetMemory(ctx, good)
	require.NoError(t, err)
	assert.True(t, m.IsFuzzy)
	m, err = db.GetMemory(ctx, bad)
	require.NoError(t, err)
	assert.False(t, m.IsFuzzy)
	assert.Zero(t, m.ImportanceCurrent)
}

func TestRun_CancelledContext(t *testing.T) {
	db := newTestDB(t)
	insert(t, db, 5)
	f := New(db, &prefixCompressor{}, Config{ImportanceThreshold: 3}, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Run(ctx)
	assert.Error(t, err)
}
