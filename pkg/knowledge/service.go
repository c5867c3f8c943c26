// Package knowledge holds the curated knowledge base: a keyword index over
// stored records, the two-layer retriever and the service that keeps both in
// step with writes.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/store"
)

// DefaultCategory is assigned to records created without a category.
const DefaultCategory = "general"

// ErrInvalidRecord is returned when a record has no content.
var ErrInvalidRecord = errors.New("knowledge: content is required")

// Repository is the persisted knowledge base.
type Repository interface {
	Store
	InsertKnowledge(ctx context.Context, rec *store.KnowledgeRecord) (int64, error)
	UpdateKnowledge(ctx context.Context, rec *store.KnowledgeRecord) (bool, error)
	DeleteKnowledge(ctx context.Context, id int64) (bool, error)
	GetKnowledge(ctx context.Context, id int64) (*store.KnowledgeRecord, error)
	ListKnowledge(ctx context.Context, category string, limit, offset int) ([]*store.KnowledgeRecord, error)
	CountKnowledge(ctx context.Context) (int, error)
	AllKeywords(ctx context.Context) ([]store.KeywordEntry, error)
}

// NewRecord holds the fields of a record to add.
type NewRecord struct {
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Category string   `json:"category,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// Patch lists the fields to change; nil fields are left alone.
type Patch struct {
	Content  *string   `json:"content,omitempty"`
	Keywords *[]string `json:"keywords,omitempty"`
	Category *string   `json:"category,omitempty"`
	Notes    *string   `json:"notes,omitempty"`
}

// Service manages the knowledge base and keeps the keyword index in step
// with persisted writes.
type Service struct {
	repo      Repository
	embedder  llm.Embedder
	index     *KeywordIndex
	cache     *RecordCache
	retriever *Retriever
	metrics   *metrics.Manager
	log       logger.Logger

	// writeMu serializes store writes with their index updates.
	writeMu sync.Mutex
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Limit               int
	SimilarityThreshold float64
	CacheSize           int
}

// NewService builds the service, its index and its retriever. The index is
// empty until Rebuild is called.
func NewService(repo Repository, embedder llm.Embedder, cfg ServiceConfig, m *metrics.Manager, log logger.Logger) *Service {
	if m == nil {
		m = metrics.NoOpManager()
	}
	if log == nil {
		log = logger.Global()
	}
	s := &Service{
		repo:     repo,
		embedder: embedder,
		index:    NewKeywordIndex(),
		cache:    NewRecordCache(cfg.CacheSize),
		metrics:  m,
		log:      log,
	}
	s.retriever = NewRetriever(s.index, &cachedStore{Store: repo, cache: s.cache}, embedder,
		WithThreshold(cfg.SimilarityThreshold),
		WithDefaultLimit(cfg.Limit),
		WithRetrieverMetrics(m),
		WithRetrieverLogger(log),
	)
	return s
}

// Retriever returns the search side of the service.
func (s *Service) Retriever() *Retriever { return s.retriever }

// Index returns the keyword index.
func (s *Service) Index() *KeywordIndex { return s.index }

// Search runs a best-effort hybrid search.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return s.retriever.Search(ctx, query, limit)
}

// SearchStrict is Search, but a vector layer failure without keyword hits
// is returned as an error.
func (s *Service) SearchStrict(ctx context.Context, query string, limit int) ([]Result, error) {
	return s.retriever.SearchStrict(ctx, query, limit)
}

// Rebuild reloads the keyword index from the store and empties the cache.
// It returns the number of indexed records.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entries, err := s.repo.AllKeywords(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild keyword index: %w", err)
	}
	s.index.Build(entries)
	s.cache.Purge()
	s.metrics.SetKeywordIndexSize(s.index.Len())
	s.log.InfoContext(ctx, "keyword index rebuilt", "records", len(entries), "keywords", s.index.Len())
	return len(entries), nil
}

// Add embeds and stores a new record.
func (s *Service) Add(ctx context.Context, in NewRecord) (int64, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return 0, ErrInvalidRecord
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return 0, fmt.Errorf("embed knowledge: %w", err)
	}
	rec := &store.KnowledgeRecord{
		Content:   content,
		Keywords:  cleanKeywords(in.Keywords),
		Category:  in.Category,
		Notes:     in.Notes,
		Embedding: vec,
	}
	if rec.Category == "" {
		rec.Category = DefaultCategory
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	id, err := s.repo.InsertKnowledge(ctx, rec)
	if err != nil {
		return 0, err
	}
	s.index.OnInsert(id, rec.Keywords)
	s.metrics.SetKeywordIndexSize(s.index.Len())
	s.log.InfoContext(ctx, "knowledge added", "id", id, "keywords", len(rec.Keywords))
	return id, nil
}

// Update applies patch to record id, re-embedding when the content changes.
// It reports false when the record does not exist. Writes are serialized so
// the index sees old keywords removed before new ones are added.
func (s *Service) Update(ctx context.Context, id int64, patch Patch) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.repo.GetKnowledge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	next := *current
	next.Embedding = nil
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		if content == "" {
			return false, ErrInvalidRecord
		}
		if content != current.Content {
			vec, err := s.embedder.Embed(ctx, content)
			if err != nil {
				return false, fmt.Errorf("embed knowledge: %w", err)
			}
			next.Content = content
			next.Embedding = vec
		}
	}
	if patch.Keywords != nil {
		next.Keywords = cleanKeywords(*patch.Keywords)
	}
	if patch.Category != nil {
		next.Category = *patch.Category
	}
	if patch.Notes != nil {
		next.Notes = *patch.Notes
	}

	ok, err := s.repo.UpdateKnowledge(ctx, &next)
	if err != nil || !ok {
		return ok, err
	}
	s.index.OnDelete(id, current.Keywords)
	s.index.OnInsert(id, next.Keywords)
	s.cache.Delete(id)
	s.metrics.SetKeywordIndexSize(s.index.Len())
	return true, nil
}

// Delete removes record id. It reports false when the record does not exist.
func (s *Service) Delete(ctx context.Context, id int64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.repo.GetKnowledge(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := s.repo.DeleteKnowledge(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.index.OnDelete(id, current.Keywords)
	s.cache.Delete(id)
	s.metrics.SetKeywordIndexSize(s.index.Len())
	s.log.InfoContext(ctx, "knowledge deleted", "id", id)
	return true, nil
}

// Get returns one record or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*store.KnowledgeRecord, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	epoch := s.cache.Epoch()
	rec, err := s.repo.GetKnowledge(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Fill(epoch, rec)
	return rec, nil
}

// List pages through records, optionally filtered by category.
func (s *Service) List(ctx context.Context, category string, limit, offset int) ([]*store.KnowledgeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListKnowledge(ctx, category, limit, offset)
}

// Count returns the number of stored records.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.CountKnowledge(ctx)
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// cachedStore serves GetKnowledgeMany from the record cache where it can.
type cachedStore struct {
	Store
	cache *RecordCache
}

func (c *cachedStore) GetKnowledgeMany(ctx context.Context, ids []int64, limit int) ([]*store.KnowledgeRecord, error) {
	out := make([]*store.KnowledgeRecord, 0, len(ids))
	var missing []int64
	for _, id := range ids {
		if rec, ok := c.cache.Get(id); ok {
			out = append(out, rec)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		epoch := c.cache.Epoch()
		fetched, err := c.Store.GetKnowledgeMany(ctx, missing, 0)
		if err != nil {
			return nil, err
		}
		c.cache.Fill(epoch, fetched...)
		out = append(out, fetched...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
