// Package consolidation summarizes buffered conversations into durable
// memories once a conversation crosses a message, time or token threshold.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/memory"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/retry"
	"github.com/komari-bot/komari/pkg/summarize"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// Trigger names the condition that started a consolidation.
type Trigger string

// Triggers in evaluation order.
const (
	TriggerNone     Trigger = "none"
	TriggerMessages Trigger = "messages"
	TriggerTime     Trigger = "time"
	TriggerTokens   Trigger = "tokens"
	TriggerManual   Trigger = "manual"
)

// UnknownUser is the entity owner used when a conversation has no
// participants.
const UnknownUser = "unknown"

// ErrInProgress is returned when the conversation is already being
// consolidated.
var ErrInProgress = errors.New("consolidation: already in progress")

// Buffer is the message buffer as seen by the consolidator.
type Buffer interface {
	ActiveConversations(ctx context.Context) ([]string, error)
	MessageCount(ctx context.Context, convID string) (int64, error)
	Tokens(ctx context.Context, convID string) (int64, error)
	LastSummary(ctx context.Context, convID string) (time.Time, bool, error)
	Oldest(ctx context.Context, convID string, limit int) (buffer.Batch, error)
	Consume(ctx context.Context, convID string, batch buffer.Batch) (int, error)
	SetLastSummary(ctx context.Context, convID string, t time.Time) error
}

// Summarizer produces structured summaries.
type Summarizer interface {
	Summarize(ctx context.Context, messages []string) (summarize.Result, error)
}

// MemoryStore persists summaries and entities.
type MemoryStore interface {
	Store(ctx context.Context, conversationID, summary string, participants []string, importance int) (int64, error)
	UpsertEntity(ctx context.Context, e memory.Entity) error
}

// Config holds trigger thresholds and retry settings.
type Config struct {
	MessageThreshold int64
	TimeThreshold    time.Duration
	TokenThreshold   int64

	// BatchSize caps the messages read from the buffer per run.
	BatchSize int

	Retry retry.Policy
}

// Outcome describes one consolidation.
type Outcome struct {
	ConversationID string  `json:"conversation_id"`
	Trigger        Trigger `json:"trigger"`
	MemoryID       int64   `json:"memory_id,omitempty"`
	Messages       int     `json:"messages"`
	Entities       int     `json:"entities"`
	EntityFailures int     `json:"entity_failures"`

	// Remaining is the number of messages still buffered afterwards.
	Remaining int `json:"remaining"`

	// Skipped is set when there was nothing to store (empty buffer or
	// empty summary); counters are left untouched in that case.
	Skipped bool `json:"skipped"`
}

// TickReport summarizes one scan over active conversations.
type TickReport struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// Outcomes lists the conversations consolidated in this tick.
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// Consolidator runs the per-conversation IDLE -> TRIGGERED -> SUMMARIZING
// cycle.
type Consolidator struct {
	buf        Buffer
	summarizer Summarizer
	memories   MemoryStore
	cfg        Config
	metrics    *metrics.Manager
	log        logger.Logger
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) { c.now = now }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(c *Consolidator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Consolidator) { c.log = l }
}

// New creates a Consolidator.
func New(buf Buffer, summarizer Summarizer, memories MemoryStore, cfg Config, opts ...Option) *Consolidator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	c := &Consolidator{
		buf:        buf,
		summarizer: summarizer,
		memories:   memories,
		cfg:        cfg,
		metrics:    metrics.NoOpManager(),
		log:        logger.Global(),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldTrigger returns the first matching trigger for convID. The time
// trigger only applies once the conversation has been summarized before.
func (c *Consolidator) ShouldTrigger(ctx context.Context, convID string) (Trigger, error) {
	count, err := c.buf.MessageCount(ctx, convID)
	if err != nil {
		return TriggerNone, err
	}
	if c.cfg.MessageThreshold > 0 && count >= c.cfg.MessageThreshold {
		return TriggerMessages, nil
	}

	last, ok, err := c.buf.LastSummary(ctx, convID)
	if err != nil {
		return TriggerNone, err
	}
	if ok && c.cfg.TimeThreshold > 0 && c.now().Sub(last) >= c.cfg.TimeThreshold {
		return TriggerTime, nil
	}

	tokens, err := c.buf.Tokens(ctx, convID)
	if err != nil {
		return TriggerNone, err
	}
	if c.cfg.TokenThreshold > 0 && tokens >= c.cfg.TokenThreshold {
		return TriggerTokens, nil
	}
	return TriggerNone, nil
}

// Tick checks every conversation with buffered messages and consolidates
// those that trigger. Failures are logged and counted; a failed
// conversation is retried on the next tick.
func (c *Consolidator) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	convs, err := c.buf.ActiveConversations(ctx)
	if err != nil {
		return report, fmt.Errorf("list active conversations: %w", err)
	}
	if len(convs) == 0 {
		return report, nil
	}
	c.log.DebugContext(ctx, "checking conversations for consolidation", "count", len(convs))

	for _, convID := range convs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		trigger, err := c.ShouldTrigger(ctx, convID)
		if err != nil {
			c.log.WarnContext(ctx, "trigger check failed", "conversation_id", convID, "error", err)
			report.Failed++
			continue
		}
		if trigger == TriggerNone {
			continue
		}
		report.Triggered++

		out, err := c.run(ctx, convID, trigger)
		if err != nil {
			report.Failed++
			continue
		}
		report.Succeeded++
		if !out.Skipped {
			report.Outcomes = append(report.Outcomes, out)
		}
	}
	return report, nil
}

// ConsolidateNow consolidates convID regardless of thresholds.
func (c *Consolidator) ConsolidateNow(ctx context.Context, convID string) (Outcome, error) {
	if convID == "" {
		return Outcome{}, buffer.ErrEmptyConversation
	}
	return c.run(ctx, convID, TriggerManual)
}

func (c *Consolidator) run(ctx context.Context, convID string, trigger Trigger) (out Outcome, err error) {
	if !c.acquire(convID) {
		return Outcome{ConversationID: convID, Trigger: trigger}, ErrInProgress
	}
	defer c.release(convID)

	ctx, span := tracing.Start(ctx, "consolidation.Run",
		tracing.ConversationID(convID),
		attribute.String("consolidation.trigger", string(trigger)),
	)
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case out.Skipped:
			result = "skipped"
		}
		c.metrics.RecordConsolidation(string(trigger), result, time.Since(start))
		tracing.End(span, err)
	}()

	c.log.InfoContext(ctx, "consolidating conversation", "conversation_id", convID, "trigger", trigger)
	out, err = retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) (Outcome, error) {
		o, err := c.consolidate(ctx, convID)
		if err != nil {
			c.log.WarnContext(ctx, "consolidation attempt failed", "conversation_id", convID, "error", err)
		}
		return o, err
	})
	out.ConversationID = convID
	out.Trigger = trigger
	if err != nil {
		c.log.ErrorContext(ctx, "consolidation failed, waiting for next trigger",
			"conversation_id", convID, "error", err)
		return out, err
	}
	c.log.InfoContext(ctx, "conversation consolidated",
		"conversation_id", convID, "memory_id", out.MemoryID,
		"messages", out.Messages, "remaining", out.Remaining, "entities", out.Entities, "skipped", out.Skipped)
	return out, nil
}

// consolidate runs one attempt. The batch leaves the buffer only after the
// summary is stored, so a failure part way through leads to re-summarizing
// rather than losing messages. Anything past the batch stays buffered for
// the next run.
func (c *Consolidator) consolidate(ctx context.Context, convID string) (Outcome, error) {
	var out Outcome

	batch, err := c.buf.Oldest(ctx, convID, c.cfg.BatchSize)
	if err != nil {
		return out, fmt.Errorf("read buffer: %w", err)
	}
	if batch.Span == 0 {
		c.log.WarnContext(ctx, "buffer empty, nothing to consolidate", "conversation_id", convID)
		out.Skipped = true
		return out, nil
	}
	msgs := batch.Messages
	if len(msgs) == 0 {
		c.log.WarnContext(ctx, "batch held only corrupt entries, dropping it", "conversation_id", convID)
		out.Skipped = true
		out.Remaining, err = c.buf.Consume(ctx, convID, batch)
		return out, err
	}
	out.Messages = len(msgs)

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, formatLine(m))
	}
	res, err := c.summarizer.Summarize(ctx, lines)
	if err != nil {
		return out, err
	}
	if res.Summary == "" {
		c.log.WarnContext(ctx, "summary empty, skipping storage", "conversation_id", convID)
		out.Skipped = true
		return out, nil
	}

	participants := participantsOf(msgs)
	id, err := c.memories.Store(ctx, convID, res.Summary, participants, res.Importance)
	if err != nil {
		return out, fmt.Errorf("store memory: %w", err)
	}
	out.MemoryID = id

	owner := UnknownUser
	if len(participants) > 0 {
		owner = participants[0]
	}
	for _, e := range res.Entities {
		userID := e.UserID
		if userID == "" {
			userID = owner
		}
		if err := c.memories.UpsertEntity(ctx, memory.Entity{
			UserID:         userID,
			ConversationID: convID,
			Key:            e.Key,
			Value:          e.Value,
			Category:       e.Category,
			Importance:     e.Importance,
		}); err != nil {
			out.EntityFailures++
			c.log.DebugContext(ctx, "entity upsert failed", "conversation_id", convID, "key", e.Key, "error", err)
			continue
		}
		out.Entities++
	}

	if out.Remaining, err = c.buf.Consume(ctx, convID, batch); err != nil {
		return out, fmt.Errorf("consume batch: %w", err)
	}
	if err := c.buf.SetLastSummary(ctx, convID, c.now()); err != nil {
		return out, fmt.Errorf("set last summary: %w", err)
	}
	return out, nil
}

func (c *Consolidator) acquire(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[convID]; busy {
		return false
	}
	c.inflight[convID] = struct{}{}
	return true
}

func (c *Consolidator) release(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, convID)
}

func formatLine(m buffer.Message) string {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	return fmt.Sprintf("%s(%s): %s", name, m.SenderID, m.Content)
}

// participantsOf returns the distinct human senders in first-seen order.
func participantsOf(msgs []buffer.Message) []string {
	seen := make(map[string]struct{}, len(msgs))
	var out []string
	for _, m := range msgs {
		if m.IsBot || m.SenderID == "" {
			continue
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		out = append(out, m.SenderID)
	}
	return out
}
