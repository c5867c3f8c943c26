// Package events fans conversation events out to in-process subscribers
// such as websocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/komari-bot/komari/pkg/chat"
	"github.com/komari-bot/komari/pkg/consolidation"
	"github.com/komari-bot/komari/pkg/forgetting"
)

// Event types.
const (
	TypeReply         = "chat.reply"
	TypeConsolidated  = "memory.consolidated"
	TypeForgettingRun = "memory.forgetting"
)

// Event is the canonical event payload broadcast to websocket subscribers.
// ConversationID is empty for events that are not tied to one conversation.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload"`
}

// ReplyPayload is the payload of a chat.reply event.
type ReplyPayload struct {
	MessageID string     `json:"message_id,omitempty"`
	Reply     chat.Reply `json:"reply"`
}

// Broadcaster fans events out to subscriber channels. Sends never block:
// a subscriber whose buffer is full misses the event and it is counted in
// Dropped.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
	now    func() time.Time

	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a channel buffered to buffer events (16 when <= 0).
// After Close it returns an already closed channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Broadcast stamps event if needed and offers it to every subscriber.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// BroadcastReply emits the handler's decision for one inbound message.
func (b *Broadcaster) BroadcastReply(conversationID, messageID string, reply chat.Reply) {
	b.Broadcast(Event{
		Type:           TypeReply,
		ConversationID: conversationID,
		Payload:        ReplyPayload{MessageID: messageID, Reply: reply},
	})
}

// BroadcastConsolidated emits a finished consolidation.
func (b *Broadcaster) BroadcastConsolidated(out consolidation.Outcome) {
	b.Broadcast(Event{
		Type:           TypeConsolidated,
		ConversationID: out.ConversationID,
		Payload:        out,
	})
}

// BroadcastForgetting emits the report of a forgetting run.
func (b *Broadcaster) BroadcastForgetting(report forgetting.Report) {
	b.Broadcast(Event{
		Type:    TypeForgettingRun,
		Payload: report,
	})
}

// Close closes every subscriber channel. Later broadcasts are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
