// Package chat is the inbound message path: it buffers every message,
// decides whether the bot should answer, and generates the reply from
// retrieved memories and knowledge.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/knowledge"
	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/memory"
	"github.com/komari-bot/komari/pkg/metrics"
	"github.com/komari-bot/komari/pkg/prompt"
	"github.com/komari-bot/komari/pkg/scorer"
	"github.com/komari-bot/komari/pkg/telemetry/tracing"
)

// ErrInvalidMessage is returned for inbound messages missing a conversation
// or content.
var ErrInvalidMessage = errors.New("conversation id and content are required")

// Trigger names why a reply was generated.
type Trigger string

// Triggers.
const (
	TriggerMention   Trigger = "mention"
	TriggerProactive Trigger = "proactive"
)

// Decision names how an inbound message was routed.
type Decision string

// Decisions.
const (
	DecisionMention           Decision = "mention"
	DecisionFiltered          Decision = "filtered"
	DecisionLowValue          Decision = "low_value"
	DecisionNormal            Decision = "normal"
	DecisionProactive         Decision = "proactive"
	DecisionProactiveDisabled Decision = "proactive_disabled"
	DecisionCooldown          Decision = "cooldown"
	DecisionRateLimited       Decision = "rate_limited"
)

// Inbound is a message delivered by a chat transport.
type Inbound struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	Content        string    `json:"content"`
	MessageID      string    `json:"message_id,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`

	// Mentioned is set by the transport for @-mentions and replies to the bot.
	Mentioned bool `json:"mentioned,omitempty"`
}

// Reply is the outcome of handling one inbound message. Text is empty when
// the bot stays silent.
type Reply struct {
	Text     string       `json:"text,omitempty"`
	Trigger  Trigger      `json:"trigger,omitempty"`
	Decision Decision     `json:"decision"`
	Filter   FilterReason `json:"filter,omitempty"`
	Score    float64      `json:"score,omitempty"`
	Fallback bool         `json:"fallback,omitempty"`
}

// Buffer is the short-term history the handler reads and appends to.
type Buffer interface {
	Push(ctx context.Context, convID string, msg buffer.Message) error
	GetRecent(ctx context.Context, convID string, limit int) ([]buffer.Message, error)
	IncrementMessageCount(ctx context.Context, convID string) (int64, error)
	IncrementTokens(ctx context.Context, convID string, n int64) (int64, error)
	OnCooldown(ctx context.Context, convID string) (bool, error)
	SetCooldown(ctx context.Context, convID string, d time.Duration) error
	IncrementProactiveCount(ctx context.Context, convID string) (int64, error)
	ProactiveCount(ctx context.Context, convID string) (int64, error)
}

// MemorySearcher retrieves conversation memories.
type MemorySearcher interface {
	Search(ctx context.Context, q memory.SearchQuery) ([]memory.Hit, error)
}

// KnowledgeSearcher retrieves knowledge records.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
	SearchByKeyword(ctx context.Context, text string, limit int) ([]knowledge.Result, error)
}

// Proactive gates unprompted replies.
type Proactive struct {
	Enabled        bool
	ScoreThreshold float64
	Cooldown       time.Duration
	MaxPerHour     int
}

// Config configures a Handler.
type Config struct {
	Prompt        prompt.Config
	FallbackReply string

	// BotNames are matched case-insensitively in content as an implicit
	// mention.
	BotNames []string
	BotID    string
	BotName  string

	ContextMessages int
	MemoryLimit     int
	KnowledgeLimit  int
	LowValueScore   float64

	Model       string
	Temperature float64
	MaxTokens   int

	Proactive Proactive
}

// Handler routes inbound messages.
type Handler struct {
	cfg       Config
	proactive atomic.Pointer[Proactive]

	buf       Buffer
	filter    *Filter
	scorer    scorer.Scorer
	memories  MemorySearcher
	knowledge KnowledgeSearcher
	gen       llm.Generator
	rewriter  *Rewriter

	metrics *metrics.Manager
	log     logger.Logger
	now     func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithRewriter enables query rewriting before retrieval.
func WithRewriter(r *Rewriter) Option {
	return func(h *Handler) { h.rewriter = r }
}

// WithMetrics sets the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler wires a Handler. A nil knowledge searcher disables knowledge
// retrieval.
func NewHandler(cfg Config, buf Buffer, filter *Filter, sc scorer.Scorer, mem MemorySearcher, kn KnowledgeSearcher, gen llm.Generator, opts ...Option) *Handler {
	if sc == nil {
		sc = scorer.Static(scorer.DefaultScore)
	}
	if filter == nil {
		filter = &Filter{}
	}
	h := &Handler{
		cfg:       cfg,
		buf:       buf,
		filter:    filter,
		scorer:    sc,
		memories:  mem,
		knowledge: kn,
		gen:       gen,
		metrics:   metrics.NoOpManager(),
		log:       logger.Global(),
		now:       time.Now,
	}
	p := cfg.Proactive
	h.proactive.Store(&p)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetProactive swaps the proactive settings.
func (h *Handler) SetProactive(p Proactive) {
	h.proactive.Store(&p)
}

// ProactiveSettings returns the current proactive settings.
func (h *Handler) ProactiveSettings() Proactive {
	return *h.proactive.Load()
}

// Handle buffers msg and returns the bot's reply, if any.
//
// Every message is buffered and counted. Mentions always get an answer,
// falling back to a canned reply when generation fails. Other messages are
// filtered, scored and answered only when the proactive gates allow it.
func (h *Handler) Handle(ctx context.Context, in Inbound) (reply Reply, err error) {
	if strings.TrimSpace(in.ConversationID) == "" || strings.TrimSpace(in.Content) == "" {
		return Reply{}, ErrInvalidMessage
	}

	ctx, span := tracing.Start(ctx, "chat.Handle",
		tracing.ConversationID(in.ConversationID),
		tracing.UserID(in.UserID),
	)
	defer func() {
		span.SetAttributes(attribute.String("decision", string(reply.Decision)))
		tracing.End(span, err)
	}()

	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = h.now()
	}

	history, err := h.buf.GetRecent(ctx, in.ConversationID, h.historySize())
	if err != nil {
		return Reply{}, err
	}
	if err := h.record(ctx, in); err != nil {
		return Reply{}, err
	}

	defer func() {
		if err == nil {
			h.metrics.RecordChatDecision(string(reply.Decision))
		}
	}()

	if in.Mentioned || h.mentionsBot(in.Content) {
		return h.reply(ctx, in, history, TriggerMention, Reply{Decision: DecisionMention}), nil
	}

	if reason := h.filter.Check(in.Content, history); reason != FilterNone {
		h.log.DebugContext(ctx, "message filtered", "conversation_id", in.ConversationID, "reason", reason)
		return Reply{Decision: DecisionFiltered, Filter: reason}, nil
	}

	var prev string
	if len(history) > 0 {
		prev = history[len(history)-1].Content
	}
	score := h.scorer.Score(ctx, scorer.Request{
		Message:        in.Content,
		Context:        prev,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
	})
	span.SetAttributes(attribute.Float64("score", score))

	if score < h.cfg.LowValueScore {
		return Reply{Decision: DecisionLowValue, Score: score}, nil
	}
	p := h.ProactiveSettings()
	if score < p.ScoreThreshold {
		return Reply{Decision: DecisionNormal, Score: score}, nil
	}
	if !p.Enabled {
		return Reply{Decision: DecisionProactiveDisabled, Score: score}, nil
	}

	if cd, err := h.buf.OnCooldown(ctx, in.ConversationID); err != nil {
		return Reply{}, err
	} else if cd {
		return Reply{Decision: DecisionCooldown, Score: score}, nil
	}
	count, err := h.buf.ProactiveCount(ctx, in.ConversationID)
	if err != nil {
		return Reply{}, err
	}
	if p.MaxPerHour > 0 && count >= int64(p.MaxPerHour) {
		return Reply{Decision: DecisionRateLimited, Score: score}, nil
	}

	out := h.reply(ctx, in, history, TriggerProactive, Reply{Decision: DecisionProactive, Score: score})
	if out.Text != "" {
		if p.Cooldown > 0 {
			if err := h.buf.SetCooldown(ctx, in.ConversationID, p.Cooldown); err != nil {
				h.log.WarnContext(ctx, "set proactive cooldown failed", "conversation_id", in.ConversationID, "error", err)
			}
		}
		if _, err := h.buf.IncrementProactiveCount(ctx, in.ConversationID); err != nil {
			h.log.WarnContext(ctx, "increment proactive count failed", "conversation_id", in.ConversationID, "error", err)
		}
	}
	return out, nil
}

func (h *Handler) historySize() int {
	n := h.cfg.ContextMessages
	if h.filter.historyCheck > n {
		n = h.filter.historyCheck
	}
	return n
}

// record buffers the user message and bumps the consolidation counters.
func (h *Handler) record(ctx context.Context, in Inbound) error {
	msg := buffer.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.UserID,
		SenderName:     in.UserName,
		Content:        in.Content,
		Timestamp:      in.Timestamp,
		MessageID:      in.MessageID,
	}
	if err := h.buf.Push(ctx, in.ConversationID, msg); err != nil {
		return err
	}
	if _, err := h.buf.IncrementMessageCount(ctx, in.ConversationID); err != nil {
		return err
	}
	if _, err := h.buf.IncrementTokens(ctx, in.ConversationID, buffer.EstimateTokens(in.Content)); err != nil {
		return err
	}
	h.metrics.RecordBufferedMessage()
	return nil
}

func (h *Handler) mentionsBot(content string) bool {
	lower := strings.ToLower(content)
	for _, name := range h.cfg.BotNames {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			return true
		}
	}
	return false
}

// reply generates an answer. Retrieval failures degrade the prompt instead
// of failing the reply.
func (h *Handler) reply(ctx context.Context, in Inbound, history []buffer.Message, trigger Trigger, out Reply) Reply {
	if h.cfg.ContextMessages >= 0 && len(history) > h.cfg.ContextMessages {
		history = history[len(history)-h.cfg.ContextMessages:]
	}

	query := in.Content
	if h.rewriter != nil {
		rewritten, err := h.rewriter.Rewrite(ctx, query, history)
		if err != nil {
			h.log.WarnContext(ctx, "query rewrite failed, using raw query", "conversation_id", in.ConversationID, "error", err)
		}
		query = rewritten
	}

	input := prompt.Input{
		Message:  in.Content,
		UserID:   in.UserID,
		UserName: in.UserName,
		Recent:   history,
		Now:      h.now(),
	}

	if h.memories != nil {
		hits, err := h.memories.Search(ctx, memory.SearchQuery{
			Query:          query,
			ConversationID: in.ConversationID,
			UserID:         in.UserID,
			Limit:          h.cfg.MemoryLimit,
		})
		if err != nil {
			h.log.WarnContext(ctx, "memory search failed", "conversation_id", in.ConversationID, "error", err)
		}
		for _, hit := range hits {
			input.Memories = append(input.Memories, hit.Summary)
		}
	}

	if h.knowledge != nil {
		results, err := h.knowledge.Search(ctx, query, h.cfg.KnowledgeLimit)
		if err != nil {
			h.log.WarnContext(ctx, "knowledge search failed", "conversation_id", in.ConversationID, "error", err)
		}
		input.Knowledge = results
		input.Profiles = h.profiles(ctx, history, in.UserID)
	}

	p := prompt.Assemble(h.cfg.Prompt, input)
	text, err := h.gen.Generate(ctx, llm.Request{
		System:      p.System,
		Contents:    p.Contents,
		Model:       h.cfg.Model,
		Temperature: h.cfg.Temperature,
		MaxTokens:   h.cfg.MaxTokens,
	})
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		h.log.WarnContext(ctx, "reply generation failed",
			"conversation_id", in.ConversationID,
			"trigger", trigger,
			"error", err,
		)
		if trigger == TriggerMention && h.cfg.FallbackReply != "" {
			h.metrics.RecordChatFallback()
			out.Text, out.Trigger, out.Fallback = h.cfg.FallbackReply, trigger, true
		}
		return out
	}

	bot := buffer.Message{
		ConversationID: in.ConversationID,
		SenderID:       h.cfg.BotID,
		SenderName:     h.cfg.BotName,
		Content:        text,
		Timestamp:      h.now(),
		MessageID:      uuid.NewString(),
		IsBot:          true,
	}
	if err := h.buf.Push(ctx, in.ConversationID, bot); err != nil {
		h.log.WarnContext(ctx, "buffer bot reply failed", "conversation_id", in.ConversationID, "error", err)
	}

	h.metrics.RecordChatReply(string(trigger))
	h.log.InfoContext(ctx, "reply generated", "conversation_id", in.ConversationID, "trigger", trigger)
	out.Text, out.Trigger = text, trigger
	return out
}

func (h *Handler) profiles(ctx context.Context, history []buffer.Message, current string) []prompt.Profile {
	var out []prompt.Profile
	for _, id := range prompt.ProfileUserIDs(history, current) {
		res, err := h.knowledge.SearchByKeyword(ctx, id, 1)
		if err != nil {
			h.log.DebugContext(ctx, "profile lookup failed", "user_id", id, "error", err)
			continue
		}
		if len(res) > 0 {
			out = append(out, prompt.Profile{UserID: id, Content: res[0].Content})
		}
	}
	return out
}
