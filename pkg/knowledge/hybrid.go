package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/store"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// Result sources.
const (
	SourceKeyword = "keyword"
	SourceVector  = "vector"
)

// DefaultLimit is used when a search passes a non-positive limit and no
// default was configured.
const DefaultLimit = 3

// Result is one retrieved knowledge record.
type Result struct {
	ID         int64   `json:"id"`
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Source     string  `json:"source"`
}

// Store is the persisted side of retrieval.
type Store interface {
	GetKnowledgeMany(ctx context.Context, ids []int64, limit int) ([]*store.KnowledgeRecord, error)
	SearchKnowledge(ctx context.Context, vec []float32, exclude []int64, limit int) ([]store.KnowledgeMatch, error)
}

// Retriever runs the two-layer knowledge search: keyword index hits first,
// then vector neighbours to fill the remaining slots.
type Retriever struct {
	index    *KeywordIndex
	store    Store
	embedder llm.Embedder
	metrics  *metrics.Manager
	log      logger.Logger

	threshold atomic.Uint64 // float64 bits
	limit     atomic.Int64
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithThreshold sets the minimum vector similarity.
func WithThreshold(t float64) RetrieverOption {
	return func(r *Retriever) { r.SetThreshold(t) }
}

// WithDefaultLimit sets the limit used when callers pass zero.
func WithDefaultLimit(n int) RetrieverOption {
	return func(r *Retriever) { r.SetDefaultLimit(n) }
}

// WithRetrieverMetrics sets the metrics manager.
func WithRetrieverMetrics(m *metrics.Manager) RetrieverOption {
	return func(r *Retriever) { r.metrics = m }
}

// WithRetrieverLogger sets the logger.
func WithRetrieverLogger(l logger.Logger) RetrieverOption {
	return func(r *Retriever) { r.log = l }
}

// NewRetriever creates a retriever over index and st.
func NewRetriever(index *KeywordIndex, st Store, embedder llm.Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		index:    index,
		store:    st,
		embedder: embedder,
		metrics:  metrics.NoOpManager(),
		log:      logger.Global(),
	}
	r.SetDefaultLimit(DefaultLimit)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetThreshold changes the vector similarity cutoff.
func (r *Retriever) SetThreshold(t float64) {
	r.threshold.Store(math.Float64bits(t))
}

// Threshold returns the current vector similarity cutoff.
func (r *Retriever) Threshold() float64 {
	return math.Float64frombits(r.threshold.Load())
}

// SetDefaultLimit changes the limit used for non-positive requests.
func (r *Retriever) SetDefaultLimit(n int) {
	if n > 0 {
		r.limit.Store(int64(n))
	}
}

// Search is the best-effort search: a failing vector layer is logged and
// whatever the keyword layer found is returned.
func (r *Retriever) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return r.search(ctx, query, limit, false)
}

// SearchStrict fails when the vector layer fails and the keyword layer
// produced nothing.
func (r *Retriever) SearchStrict(ctx context.Context, query string, limit int) ([]Result, error) {
	return r.search(ctx, query, limit, true)
}

// SearchByKeyword runs only the keyword layer.
func (r *Retriever) SearchByKeyword(ctx context.Context, text string, limit int) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = int(r.limit.Load())
	}
	return r.keywordLayer(ctx, text, limit)
}

func (r *Retriever) search(ctx context.Context, query string, limit int, strict bool) (results []Result, err error) {
	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = int(r.limit.Load())
	}

	ctx, span := tracing.Start(ctx, "knowledge.Search",
		attribute.Int("knowledge.limit", limit),
		attribute.Bool("knowledge.strict", strict),
	)
	start := time.Now()
	var keywordHits, vectorHits int
	status := "ok"
	defer func() {
		r.metrics.RecordKnowledgeSearch(ctx, status, keywordHits, vectorHits, time.Since(start))
		tracing.End(span, err)
	}()

	results, kwErr := r.keywordLayer(ctx, query, limit)
	if kwErr != nil {
		r.log.WarnContext(ctx, "keyword layer failed", "error", kwErr)
		results = []Result{}
	}
	keywordHits = len(results)

	if len(results) < limit {
		vector, vecErr := r.vectorLayer(ctx, query, results, limit-len(results))
		if vecErr != nil {
			cause := errors.Join(kwErr, vecErr)
			if strict && len(results) == 0 {
				status = "error"
				return nil, fmt.Errorf("knowledge search: %w", cause)
			}
			status = "degraded"
			r.log.WarnContext(ctx, "vector layer failed, using keyword results",
				"keyword_hits", len(results), "error", cause)
			return results, nil
		}
		vectorHits = len(vector)
		results = append(results, vector...)
	}
	if kwErr != nil {
		status = "degraded"
	}
	return results, nil
}

func (r *Retriever) keywordLayer(ctx context.Context, query string, limit int) ([]Result, error) {
	hits := r.index.Lookup(query)
	if len(hits) == 0 {
		return []Result{}, nil
	}
	ids := make([]int64, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	records, err := r.store.GetKnowledgeMany(ctx, ids, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(records))
	for _, rec := range records {
		out = append(out, Result{
			ID:         rec.ID,
			Category:   rec.Category,
			Content:    rec.Content,
			Similarity: 1.0,
			Source:     SourceKeyword,
		})
	}
	return out, nil
}

func (r *Retriever) vectorLayer(ctx context.Context, query string, seen []Result, remaining int) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	exclude := make([]int64, 0, len(seen))
	taken := make(map[int64]struct{}, len(seen))
	for _, res := range seen {
		exclude = append(exclude, res.ID)
		taken[res.ID] = struct{}{}
	}

	matches, err := r.store.SearchKnowledge(ctx, vec, exclude, remaining)
	if err != nil {
		return nil, err
	}
	threshold := r.Threshold()
	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		if _, dup := taken[m.ID]; dup {
			continue
		}
		sim := 1 - m.Distance
		if sim < threshold {
			continue
		}
		taken[m.ID] = struct{}{}
		out = append(out, Result{
			ID:         m.ID,
			Category:   m.Category,
			Content:    m.Content,
			Similarity: sim,
			Source:     SourceVector,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > remaining {
		out = out[:remaining]
	}
	return out, nil
}
