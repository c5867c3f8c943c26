package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/komari-bot/komari/pkg/api/events"
	"github.com/komari-bot/komari/pkg/chat"
)

var (
	errHubFull   = errors.New("websocket connection limit reached")
	errHubClosed = errors.New("websocket hub closed")
)

// wsSession is one websocket connection. follows is guarded by the hub.
type wsSession struct {
	conn    *websocket.Conn
	out     chan []byte
	inbox   chan chat.Inbound
	follows map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		conn:    conn,
		out:     make(chan []byte, defaultSendBuffer),
		inbox:   make(chan chat.Inbound, defaultInboxSize),
		follows: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// close cancels in-flight chat calls and ends the writer.
func (s *wsSession) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.out)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// wsHub tracks live sessions. A session that follows conversations only
// receives events for those; a session that follows none receives all.
// Events without a conversation reach everyone.
type wsHub struct {
	mu       sync.RWMutex
	limit    int
	sessions map[*wsSession]struct{}
	byConv   map[string]map[*wsSession]struct{}
	closed   bool
}

func newWSHub(limit int) *wsHub {
	if limit <= 0 {
		limit = defaultWSMaxConnections
	}
	return &wsHub{
		limit:    limit,
		sessions: make(map[*wsSession]struct{}),
		byConv:   make(map[string]map[*wsSession]struct{}),
	}
}

func (h *wsHub) join(s *wsSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return errHubClosed
	case len(h.sessions) >= h.limit:
		return errHubFull
	}
	h.sessions[s] = struct{}{}
	return nil
}

// leave removes s and closes it. Leaving twice is a no-op.
func (h *wsHub) leave(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	h.drop(s)
}

// drop requires h.mu held for writing.
func (h *wsHub) drop(s *wsSession) {
	for conv := range s.follows {
		h.unindex(s, conv)
	}
	delete(h.sessions, s)
	s.close()
}

func (h *wsHub) unindex(s *wsSession, conv string) {
	set := h.byConv[conv]
	delete(set, s)
	if len(set) == 0 {
		delete(h.byConv, conv)
	}
}

func (h *wsHub) follow(s *wsSession, conv string) {
	if conv == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	s.follows[conv] = struct{}{}
	set, ok := h.byConv[conv]
	if !ok {
		set = make(map[*wsSession]struct{})
		h.byConv[conv] = set
	}
	set[s] = struct{}{}
}

func (h *wsHub) unfollow(s *wsSession, conv string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := s.follows[conv]; !ok {
		return
	}
	delete(s.follows, conv)
	h.unindex(s, conv)
}

// followers returns how many sessions follow conv explicitly.
func (h *wsHub) followers(conv string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byConv[conv])
}

func (h *wsHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *wsHub) full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed || len(h.sessions) >= h.limit
}

// publish delivers event to its audience.
func (h *wsHub) publish(event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	audience := make([]*wsSession, 0, len(h.sessions))
	for s := range h.sessions {
		if event.ConversationID == "" || len(s.follows) == 0 {
			audience = append(audience, s)
		}
	}
	if event.ConversationID != "" {
		for s := range h.byConv[event.ConversationID] {
			audience = append(audience, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range audience {
		h.push(s, payload)
	}
	return nil
}

// push queues payload without blocking. A session whose queue is full is
// too slow to keep up and is disconnected.
func (h *wsHub) push(s *wsSession, payload []byte) {
	h.mu.RLock()
	_, live := h.sessions[s]
	sent := false
	if live {
		select {
		case s.out <- payload:
			sent = true
		default:
		}
	}
	h.mu.RUnlock()

	if live && !sent {
		h.leave(s)
	}
}

// shutdown closes every session and refuses new ones.
func (h *wsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.sessions {
		h.drop(s)
	}
}
