package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/store"
)

var testVectors = map[string][]float32{
	"u1 talked about cake": {1, 0.3, 0, 0},
	"u2 talked about pie":  {1, 0.32, 0, 0},
	"dessert":              {1, 0, 0, 0},
}

func tableEmbedder(ctx context.Context, text string) ([]float32, error) {
	if v, ok := testVectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1, 0}, nil
}

func newTestStore(t *testing.T) (*Store, *store.SQLite) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, llm.EmbedderFunc(tableEmbedder),
		Config{SearchLimit: 3, ParticipantBoost: 1.2, EntityLimit: 10},
		metrics.NoOpManager(), logger.Nop())
	return s, db
}

func TestClampImportance(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, 1}, {0, 1}, {1, 1}, {3, 3}, {5, 5}, {9, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampImportance(tt.in), "ClampImportance(%d)", tt.in)
	}
}

func TestStore_StoreValidates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "", "summary", nil, 3)
	assert.ErrorIs(t, err, ErrInvalidConversationID)
	_, err = s.Store(ctx, "g1", "  ", nil, 3)
	assert.ErrorIs(t, err, ErrEmptySummary)
}

func TestStore_StoreClampsAndDedupes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "g1", "u1 talked about cake", []string{"u1", "u1", "", "u2"}, 9)
	require.NoError(t, err)

	m, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, m.Participants)
	assert.Equal(t, 5, m.ImportanceInitial)
	assert.Equal(t, 5, m.ImportanceCurrent)
	assert.False(t, m.IsFuzzy)
}

func TestStore_StoreEmbeddingFailure(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "memory.db"), 4)
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("embedder down")
	s := New(db, llm.EmbedderFunc(func(context.Context, string) ([]float32, error) { return nil, boom }),
		Config{}, nil, logger.Nop())
	_, err = s.Store(context.Background(), "g1", "anything", nil, 3)
	assert.ErrorIs(t, err, boom)
}

func TestStore_SearchParticipantBoost(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cake, err := s.Store(ctx, "g1", "u1 talked about cake", []string{"u1"}, 3)
	require.NoError(t, err)
	pie, err := s.Store(ctx, "g1", "u2 talked about pie", []string{"u2"}, 3)
	require.NoError(t, err)
	_, err = s.Store(ctx, "g2", "u2 talked about pie", []string{"u2"}, 3)
	require.NoError(t, err)

	hits, err := s.Search(ctx, SearchQuery{Query: "dessert", ConversationID: "g1"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, cake, hits[0].ID)
	assert.Equal(t, pie, hits[1].ID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)

	hits, err = s.Search(ctx, SearchQuery{Query: "dessert", ConversationID: "g1", UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, pie, hits[0].ID)
	assert.Equal(t, cake, hits[1].ID)
}

func TestStore_SearchResetsImportance(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "g1", "u1 talked about cake", []string{"u1"}, 4)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := db.DecayMemories(ctx)
		require.NoError(t, err)
	}
	m, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, m.ImportanceCurrent)

	hits, err := s.Search(ctx, SearchQuery{Query: "dessert", ConversationID: "g1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 4, hits[0].ImportanceCurrent)

	m, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, m.ImportanceCurrent)
}

func TestStore_SearchEdgeCases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Search(ctx, SearchQuery{Query: "x"})
	assert.ErrorIs(t, err, ErrInvalidConversationID)

	hits, err := s.Search(ctx, SearchQuery{Query: " ", ConversationID: "g1"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, SearchQuery{Query: "dessert", ConversationID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStore_Entities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.UpsertEntity(ctx, Entity{UserID: "u1", Key: "food"}), ErrInvalidEntity)

	require.NoError(t, s.UpsertEntity(ctx, Entity{UserID: "u1", ConversationID: "g1", Key: "food", Value: "cake"}))
	require.NoError(t, s.UpsertEntity(ctx, Entity{UserID: "u1", ConversationID: "g1", Key: "food", Value: "pie", Importance: 5}))
	require.NoError(t, s.UpsertEntity(ctx, Entity{UserID: "u1", ConversationID: "g1", Key: "city", Value: "Tokyo", Category: "profile", Importance: 2}))
	require.NoError(t, s.UpsertEntity(ctx, Entity{UserID: "u2", ConversationID: "g1", Key: "food", Value: "tea"}))

	got, err := s.GetEntities(ctx, store.EntityFilter{UserID: "u1", ConversationID: "g1"}, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "food", got[0].Key)
	assert.Equal(t, "pie", got[0].Value)
	assert.Equal(t, DefaultEntityCategory, got[0].Category)
	assert.Equal(t, 5, got[0].Importance)
	assert.Equal(t, "city", got[1].Key)

	got, err = s.GetEntities(ctx, store.EntityFilter{UserID: "u1", ConversationID: "g1"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].AccessCount)
}
