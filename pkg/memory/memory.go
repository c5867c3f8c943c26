// Package memory keeps long-term conversation memories: consolidated
// summaries searchable by embedding, and the per-user entity facts extracted
// alongside them.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/store"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// Sentinel errors for the conversation memory store.
var (
	ErrInvalidConversationID = errors.New("memory: invalid conversation ID")
	ErrEmptySummary          = errors.New("memory: empty summary")
	ErrInvalidEntity         = errors.New("memory: entity needs user, conversation and key")
	ErrNotFound              = store.ErrNotFound
)

// Importance bounds.
const (
	MinImportance     = 1
	MaxImportance     = 5
	DefaultImportance = 3
)

// DefaultEntityCategory is used for entities stored without a category.
const DefaultEntityCategory = "general"

// Repository is the persisted side of the memory store.
type Repository interface {
	InsertMemory(ctx context.Context, m *store.Memory) (int64, error)
	GetMemory(ctx context.Context, id int64) (*store.Memory, error)
	ListMemories(ctx context.Context, conversationID string, limit int) ([]*store.Memory, error)
	SearchMemories(ctx context.Context, vec []float32, conversationID, userID string, boost float64, limit int) ([]store.MemoryMatch, error)
	TouchMemories(ctx context.Context, ids []int64) error
	UpsertEntity(ctx context.Context, e *store.Entity) error
	GetEntities(ctx context.Context, filter store.EntityFilter, limit int) ([]*store.Entity, error)
}

// Config holds search defaults.
type Config struct {
	// SearchLimit is used when a query leaves Limit at zero.
	SearchLimit int

	// ParticipantBoost divides the distance of memories the requesting
	// user took part in. Values below 1 are treated as 1.
	ParticipantBoost float64

	// EntityLimit is used when GetEntities is called with limit zero.
	EntityLimit int
}

// SearchQuery selects memories of one conversation.
type SearchQuery struct {
	Query          string
	ConversationID string
	UserID         string
	Limit          int
}

// Hit is one retrieved memory.
type Hit struct {
	ID                int64     `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Summary           string    `json:"summary"`
	Participants      []string  `json:"participants"`
	Similarity        float64   `json:"similarity"`
	ImportanceInitial int       `json:"importance_initial"`
	ImportanceCurrent int       `json:"importance_current"`
	IsFuzzy           bool      `json:"is_fuzzy"`
	CreatedAt         time.Time `json:"created_at"`
}

// Store persists conversation summaries with embeddings and the entities
// extracted alongside them.
type Store struct {
	repo     Repository
	embedder llm.Embedder
	cfg      Config
	metrics  *metrics.Manager
	log      logger.Logger
}

// New creates a memory store.
func New(repo Repository, embedder llm.Embedder, cfg Config, m *metrics.Manager, log logger.Logger) *Store {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 3
	}
	if cfg.ParticipantBoost < 1 {
		cfg.ParticipantBoost = 1
	}
	if cfg.EntityLimit <= 0 {
		cfg.EntityLimit = 10
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	if log == nil {
		log = logger.Global()
	}
	return &Store{repo: repo, embedder: embedder, cfg: cfg, metrics: m, log: log}
}

// ClampImportance bounds n to [MinImportance, MaxImportance].
func ClampImportance(n int) int {
	switch {
	case n < MinImportance:
		return MinImportance
	case n > MaxImportance:
		return MaxImportance
	}
	return n
}

// Store embeds summary and persists it as a new memory.
func (s *Store) Store(ctx context.Context, conversationID, summary string, participants []string, importance int) (int64, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, ErrInvalidConversationID
	}
	if strings.TrimSpace(summary) == "" {
		return 0, ErrEmptySummary
	}

	vec, err := s.embedder.Embed(ctx, summary)
	if err != nil {
		return 0, fmt.Errorf("embed summary: %w", err)
	}
	id, err := s.repo.InsertMemory(ctx, &store.Memory{
		ConversationID:    conversationID,
		Summary:           summary,
		Participants:      uniqueParticipants(participants),
		ImportanceInitial: ClampImportance(importance),
		Embedding:         vec,
	})
	if err != nil {
		return 0, err
	}
	s.metrics.RecordMemoryStored()
	s.log.InfoContext(ctx, "conversation memory stored",
		"conversation_id", conversationID, "id", id, "importance", ClampImportance(importance))
	return id, nil
}

// Search returns the memories nearest to q.Query. Every returned memory is
// marked as accessed, which restores its importance.
func (s *Store) Search(ctx context.Context, q SearchQuery) (hits []Hit, err error) {
	if strings.TrimSpace(q.ConversationID) == "" {
		return nil, ErrInvalidConversationID
	}
	if strings.TrimSpace(q.Query) == "" {
		return []Hit{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}

	ctx, span := tracing.Start(ctx, "memory.Search",
		tracing.ConversationID(q.ConversationID),
		attribute.Int("memory.limit", limit),
	)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordMemorySearch(status)
		tracing.End(span, err)
	}()

	vec, err := s.embedder.Embed(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.repo.SearchMemories(ctx, vec, q.ConversationID, q.UserID, s.cfg.ParticipantBoost, limit)
	if err != nil {
		return nil, err
	}

	hits = make([]Hit, 0, len(matches))
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		hits = append(hits, Hit{
			ID:                m.ID,
			ConversationID:    m.ConversationID,
			Summary:           m.Summary,
			Participants:      m.Participants,
			Similarity:        1 - m.Distance,
			ImportanceInitial: m.ImportanceInitial,
			ImportanceCurrent: m.ImportanceInitial,
			IsFuzzy:           m.IsFuzzy,
			CreatedAt:         m.CreatedAt,
		})
	}
	if err := s.repo.TouchMemories(ctx, ids); err != nil {
		return nil, err
	}
	return hits, nil
}

// Get returns one memory or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*store.Memory, error) {
	return s.repo.GetMemory(ctx, id)
}

// List returns the newest memories of a conversation.
func (s *Store) List(ctx context.Context, conversationID string, limit int) ([]*store.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListMemories(ctx, conversationID, limit)
}

// Entity is the input of UpsertEntity.
type Entity struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Key            string `json:"key"`
	Value          string `json:"value"`
	Category       string `json:"category,omitempty"`
	Importance     int    `json:"importance,omitempty"`
}

// UpsertEntity inserts e or overwrites the entity with the same user,
// conversation and key.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) error {
	if e.UserID == "" || e.ConversationID == "" || strings.TrimSpace(e.Key) == "" {
		return ErrInvalidEntity
	}
	if e.Category == "" {
		e.Category = DefaultEntityCategory
	}
	if e.Importance == 0 {
		e.Importance = DefaultImportance
	}
	return s.repo.UpsertEntity(ctx, &store.Entity{
		UserID:         e.UserID,
		ConversationID: e.ConversationID,
		Key:            strings.TrimSpace(e.Key),
		Value:          e.Value,
		Category:       e.Category,
		Importance:     ClampImportance(e.Importance),
	})
}

// GetEntities returns entities ordered by importance; each read counts as
// an access.
func (s *Store) GetEntities(ctx context.Context, filter store.EntityFilter, limit int) ([]*store.Entity, error) {
	if limit <= 0 {
		limit = s.cfg.EntityLimit
	}
	return s.repo.GetEntities(ctx, filter, limit)
}

func uniqueParticipants(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
