package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/komari-bot/komari/pkg/store"
)

func TestRecordCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewRecordCache(2)
	c.Put(&store.KnowledgeRecord{ID: 1})
	c.Put(&store.KnowledgeRecord{ID: 2})
	_, _ = c.Get(1)
	c.Put(&store.KnowledgeRecord{ID: 3})

	_, ok := c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestRecordCache_ZeroSizeStoresNothing(t *testing.T) {
	c := NewRecordCache(0)
	c.Put(&store.KnowledgeRecord{ID: 1})
	assert.Zero(t, c.Len())
}

func TestRecordCache_DeleteAndPurge(t *testing.T) {
	c := NewRecordCache(4)
	c.Put(&store.KnowledgeRecord{ID: 1})
	c.Put(&store.KnowledgeRecord{ID: 2})
	c.Delete(1)
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Zero(t, c.Len())
}

func TestRecordCache_FillRefusedAfterInvalidation(t *testing.T) {
	c := NewRecordCache(4)

	epoch := c.Epoch()
	c.Fill(epoch, &store.KnowledgeRecord{ID: 1})
	_, ok := c.Get(1)
	assert.True(t, ok)

	stale := c.Epoch()
	c.Delete(2)
	c.Fill(stale, &store.KnowledgeRecord{ID: 2}, &store.KnowledgeRecord{ID: 3})
	assert.Equal(t, 1, c.Len())

	stale = c.Epoch()
	c.Purge()
	c.Fill(stale, &store.KnowledgeRecord{ID: 1})
	assert.Zero(t, c.Len())
}
