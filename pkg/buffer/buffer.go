// Package buffer keeps the short-term, per-conversation message history and
// the counters that drive consolidation and proactive replies.
//
// All state lives in a storage.KV so the buffer survives restarts when the
// backend is persistent. Keys are namespaced per conversation:
//
//	<prefix>:buffer:<id>                 list of JSON encoded messages
//	<prefix>:messages:<id>               buffered message counter
//	<prefix>:tokens:<id>                 buffered token counter
//	<prefix>:last_summary:<id>           unix seconds of the last consolidation
//	<prefix>:proactive:cd:<id>           proactive reply cooldown marker
//	<prefix>:proactive:count:<id>:<hour> proactive replies in the current hour
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/storage"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "komari_memory"

// ErrEmptyConversation is returned for operations without a conversation id.
var ErrEmptyConversation = errors.New("conversation id is required")

// Message is a single buffered chat message. Messages are immutable once
// pushed.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"message_id,omitempty"`
	IsBot          bool      `json:"is_bot"`
}

// Config configures a Buffer.
type Config struct {
	KeyPrefix string
	MaxSize   int
}

// Buffer is a bounded, newest-wins message list per conversation.
type Buffer struct {
	kv      storage.KV
	prefix  string
	maxSize int
	log     logger.Logger
	now     func() time.Time
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(l logger.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// New creates a Buffer over kv.
func New(kv storage.KV, cfg Config, opts ...Option) *Buffer {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	b := &Buffer{
		kv:      kv,
		prefix:  prefix,
		maxSize: cfg.MaxSize,
		log:     logger.Global(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Buffer) bufferKey(id string) string      { return b.prefix + ":buffer:" + id }
func (b *Buffer) messagesKey(id string) string    { return b.prefix + ":messages:" + id }
func (b *Buffer) tokensKey(id string) string      { return b.prefix + ":tokens:" + id }
func (b *Buffer) lastSummaryKey(id string) string { return b.prefix + ":last_summary:" + id }
func (b *Buffer) cooldownKey(id string) string    { return b.prefix + ":proactive:cd:" + id }

func (b *Buffer) proactiveCountKey(id string, at time.Time) string {
	return fmt.Sprintf("%s:proactive:count:%s:%d", b.prefix, id, at.Unix()/3600)
}

// EstimateTokens approximates the token cost of content by its rune count.
func EstimateTokens(content string) int64 {
	return int64(utf8.RuneCountInString(content))
}

// Push appends msg and trims the conversation to the newest MaxSize messages.
func (b *Buffer) Push(ctx context.Context, convID string, msg Message) error {
	if convID == "" {
		return ErrEmptyConversation
	}
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal message", Cause: err}
	}
	if err := b.kv.AppendTrim(ctx, b.bufferKey(convID), b.maxSize, string(data)); err != nil {
		return fmt.Errorf("push message to %s: %w", convID, err)
	}
	return nil
}

// GetRecent returns up to limit of the newest messages in chronological
// order.
func (b *Buffer) GetRecent(ctx context.Context, convID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}
	raw, err := b.kv.Range(ctx, b.bufferKey(convID), int64(-limit), -1)
	if err != nil {
		return nil, fmt.Errorf("read buffer %s: %w", convID, err)
	}
	return b.decode(ctx, convID, raw), nil
}

// GetAll returns every buffered message in chronological order.
func (b *Buffer) GetAll(ctx context.Context, convID string) ([]Message, error) {
	raw, err := b.kv.Range(ctx, b.bufferKey(convID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read buffer %s: %w", convID, err)
	}
	return b.decode(ctx, convID, raw), nil
}

// Batch is a run of the oldest buffered entries. Span counts the stored
// entries it covers, corrupt ones included, so Consume removes exactly what
// was read.
type Batch struct {
	Messages []Message
	Span     int
}

// Oldest returns up to limit of the oldest buffered messages.
func (b *Buffer) Oldest(ctx context.Context, convID string, limit int) (Batch, error) {
	if limit <= 0 {
		return Batch{Messages: []Message{}}, nil
	}
	raw, err := b.kv.Range(ctx, b.bufferKey(convID), 0, int64(limit-1))
	if err != nil {
		return Batch{}, fmt.Errorf("read buffer %s: %w", convID, err)
	}
	return Batch{Messages: b.decode(ctx, convID, raw), Span: len(raw)}, nil
}

// Consume removes a summarized batch from the front of the buffer and
// lowers the counters by what it accounted for. Messages pushed after the
// batch was read stay buffered. Counters are dropped once the buffer is
// empty. remaining is the number of entries left.
func (b *Buffer) Consume(ctx context.Context, convID string, batch Batch) (remaining int, err error) {
	if batch.Span > 0 {
		if err := b.kv.TrimFront(ctx, b.bufferKey(convID), batch.Span); err != nil {
			return 0, fmt.Errorf("trim buffer %s: %w", convID, err)
		}
	}
	remaining, err = b.Len(ctx, convID)
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		return 0, b.kv.Delete(ctx, b.messagesKey(convID), b.tokensKey(convID))
	}

	var tokens int64
	for _, m := range batch.Messages {
		tokens += EstimateTokens(m.Content)
	}
	if err := b.lower(ctx, b.messagesKey(convID), int64(batch.Span)); err != nil {
		return remaining, err
	}
	if err := b.lower(ctx, b.tokensKey(convID), tokens); err != nil {
		return remaining, err
	}
	return remaining, nil
}

// lower subtracts n from a counter, removing it at zero or below.
func (b *Buffer) lower(ctx context.Context, key string, n int64) error {
	if n <= 0 {
		return nil
	}
	v, err := b.kv.IncrBy(ctx, key, -n)
	if err != nil {
		return err
	}
	if v <= 0 {
		return b.kv.Delete(ctx, key)
	}
	return nil
}

// GetWindowAround returns the messages from before positions ahead of
// messageID to after positions behind it. The result is empty when the
// message is no longer buffered.
func (b *Buffer) GetWindowAround(ctx context.Context, convID, messageID string, before, after int) ([]Message, error) {
	if messageID == "" {
		return []Message{}, nil
	}
	all, err := b.GetAll(ctx, convID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range all {
		if all[i].MessageID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return []Message{}, nil
	}
	lo := max(idx-max(before, 0), 0)
	hi := min(idx+max(after, 0)+1, len(all))
	return all[lo:hi], nil
}

func (b *Buffer) decode(ctx context.Context, convID string, raw []string) []Message {
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			b.log.WarnContext(ctx, "skipping corrupt buffered message",
				"conversation_id", convID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Len returns the number of buffered messages.
func (b *Buffer) Len(ctx context.Context, convID string) (int, error) {
	raw, err := b.kv.Range(ctx, b.bufferKey(convID), 0, -1)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

// IncrementMessageCount adds one to the message counter.
func (b *Buffer) IncrementMessageCount(ctx context.Context, convID string) (int64, error) {
	return b.kv.IncrBy(ctx, b.messagesKey(convID), 1)
}

// IncrementTokens adds n to the token counter.
func (b *Buffer) IncrementTokens(ctx context.Context, convID string, n int64) (int64, error) {
	return b.kv.IncrBy(ctx, b.tokensKey(convID), n)
}

// ResetMessageCount clears the message counter.
func (b *Buffer) ResetMessageCount(ctx context.Context, convID string) error {
	return b.kv.Delete(ctx, b.messagesKey(convID))
}

// ResetTokens clears the token counter.
func (b *Buffer) ResetTokens(ctx context.Context, convID string) error {
	return b.kv.Delete(ctx, b.tokensKey(convID))
}

// MessageCount returns the message counter, zero when unset.
func (b *Buffer) MessageCount(ctx context.Context, convID string) (int64, error) {
	return b.readInt(ctx, b.messagesKey(convID))
}

// Tokens returns the token counter, zero when unset.
func (b *Buffer) Tokens(ctx context.Context, convID string) (int64, error) {
	return b.readInt(ctx, b.tokensKey(convID))
}

func (b *Buffer) readInt(ctx context.Context, key string) (int64, error) {
	s, err := b.kv.Get(ctx, key)
	if storage.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &storage.SerializationError{Operation: "parse counter", Cause: err}
	}
	return n, nil
}

// LastSummary returns the time of the last consolidation. ok is false when
// the conversation has never been consolidated.
func (b *Buffer) LastSummary(ctx context.Context, convID string) (t time.Time, ok bool, err error) {
	n, err := b.readInt(ctx, b.lastSummaryKey(convID))
	if err != nil || n == 0 {
		return time.Time{}, false, err
	}
	return time.Unix(n, 0), true, nil
}

// SetLastSummary records the consolidation time.
func (b *Buffer) SetLastSummary(ctx context.Context, convID string, t time.Time) error {
	return b.kv.Set(ctx, b.lastSummaryKey(convID), strconv.FormatInt(t.Unix(), 10), 0)
}

// Clear drops the buffered messages. Counters are left alone.
func (b *Buffer) Clear(ctx context.Context, convID string) error {
	return b.kv.Delete(ctx, b.bufferKey(convID))
}

// ActiveConversations lists conversations with a non-empty buffer.
func (b *Buffer) ActiveConversations(ctx context.Context) ([]string, error) {
	prefix := b.prefix + ":buffer:"
	keys, err := b.kv.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan buffers: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids, nil
}

// SetCooldown blocks proactive replies in the conversation for d.
func (b *Buffer) SetCooldown(ctx context.Context, convID string, d time.Duration) error {
	return b.kv.Set(ctx, b.cooldownKey(convID), "1", d)
}

// OnCooldown reports whether a proactive cooldown is active.
func (b *Buffer) OnCooldown(ctx context.Context, convID string) (bool, error) {
	return b.kv.Exists(ctx, b.cooldownKey(convID))
}

// IncrementProactiveCount counts a proactive reply in the current hour.
func (b *Buffer) IncrementProactiveCount(ctx context.Context, convID string) (int64, error) {
	key := b.proactiveCountKey(convID, b.now())
	n, err := b.kv.IncrBy(ctx, key, 1)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := b.kv.Expire(ctx, key, time.Hour); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ProactiveCount returns proactive replies sent in the current hour.
func (b *Buffer) ProactiveCount(ctx context.Context, convID string) (int64, error) {
	return b.readInt(ctx, b.proactiveCountKey(convID, b.now()))
}
