package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/komari-bot/komari/pkg/api/events"
	"github.com/komari-bot/komari/pkg/chat"
	"github.com/komari-bot/komari/pkg/logger"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultHandleTimeout    = 60 * time.Second
	defaultSendBuffer       = 32
	defaultInboxSize        = 16
)

// Frame types sent to clients in addition to broadcast event types.
const (
	FrameAck   = "ack"
	FrameError = "error"
)

// MessageHandler handles one inbound chat message.
type MessageHandler interface {
	Handle(ctx context.Context, in chat.Inbound) (chat.Reply, error)
}

// WebSocketConfig configures /ws/messages. Zero values take defaults.
type WebSocketConfig struct {
	// AllowedOrigins may contain "*". When empty only same-host browser
	// origins are accepted.
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// HandleTimeout bounds one inbound message.
	HandleTimeout time.Duration
}

// clientFrame is what clients send: message, subscribe or unsubscribe.
type clientFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Message        *chat.Inbound `json:"message,omitempty"`
}

// WebSocketHandler serves /ws/messages. Clients send chat messages and
// receive replies plus consolidation and forgetting events.
type WebSocketHandler struct {
	log      logger.Logger
	chat     MessageHandler
	events   *events.Broadcaster
	feed     chan events.Event
	hub      *wsHub
	upgrader websocket.Upgrader
	cfg      WebSocketConfig
	done     chan struct{}
}

// NewWebSocketHandler creates the handler. Events published on broadcaster
// are forwarded to clients until Close.
func NewWebSocketHandler(log logger.Logger, cfg WebSocketConfig, chatHandler MessageHandler, broadcaster *events.Broadcaster) *WebSocketHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	h := &WebSocketHandler{
		log:      log,
		chat:     chatHandler,
		events:   broadcaster,
		hub:      newWSHub(cfg.MaxConnections),
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)},
		cfg:      cfg,
		done:     make(chan struct{}),
	}

	if broadcaster == nil {
		close(h.done)
		return h
	}
	h.feed = broadcaster.Subscribe(256)
	go func() {
		defer close(h.done)
		for event := range h.feed {
			if err := h.hub.publish(event); err != nil {
				h.log.Warn("Websocket publish failed", "type", event.Type, "error", err)
			}
		}
	}()
	return h
}

// ServeHTTP upgrades the connection and runs the session until it closes.
// @Summary Chat and conversation events over websocket
// @Description Send {"type":"message","message":{...}} frames to chat, and
// @Description {"type":"subscribe","conversation_id":"..."} to follow a conversation.
// @Tags chat
// @Router /ws/messages [get]
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if h.hub.full() {
		http.Error(w, errHubFull.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Debug("Websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newWSSession(conn)
	if err := h.hub.join(s); err != nil {
		// Lost a race for the last slot.
		deadline := time.Now().Add(defaultWriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), deadline)
		s.close()
		return
	}

	go h.writer(s)
	go func() {
		for in := range s.inbox {
			h.handleChat(s, in)
		}
	}()
	h.reader(s)
}

// reader owns the read side. It returns when the client goes away or stops
// answering pings.
func (h *WebSocketHandler) reader(s *wsSession) {
	defer func() {
		h.hub.leave(s)
		close(s.inbox)
	}()

	alive := h.cfg.PingInterval + h.cfg.PongTimeout
	extend := func(string) error { return s.conn.SetReadDeadline(time.Now().Add(alive)) }
	s.conn.SetReadLimit(maxBodyBytes)
	s.conn.SetPongHandler(extend)
	_ = extend("")

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn("Websocket read failed", "error", err)
			}
			return
		}
		h.onFrame(s, raw)
	}
}

// writer owns the write side: queued frames and keepalive pings.
func (h *WebSocketHandler) writer(s *wsSession) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()
	defer h.hub.leave(s)

	for {
		select {
		case frame, ok := <-s.out:
			deadline := time.Now().Add(defaultWriteTimeout)
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = s.conn.SetWriteDeadline(deadline)
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) onFrame(s *wsSession, raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.sendError(s, "", "invalid frame", "")
		return
	}
	conv := strings.TrimSpace(f.ConversationID)

	switch strings.ToLower(strings.TrimSpace(f.Type)) {
	case "subscribe":
		h.hub.follow(s, conv)
	case "unsubscribe":
		h.hub.unfollow(s, conv)
	case "message":
		if f.Message == nil {
			h.sendError(s, conv, "message is required", "")
			return
		}
		in := *f.Message
		if in.ConversationID == "" {
			in.ConversationID = conv
		}
		select {
		case s.inbox <- in:
		default:
			h.sendError(s, in.ConversationID, "too many pending messages", in.MessageID)
		}
	default:
		h.sendError(s, conv, "unknown frame type", "")
	}
}

// handleChat runs one message through the chat pipeline. Messages from one
// session are handled in arrival order.
func (h *WebSocketHandler) handleChat(s *wsSession, in chat.Inbound) {
	if h.chat == nil {
		h.sendError(s, in.ConversationID, "chat is not available", in.MessageID)
		return
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}
	h.hub.follow(s, in.ConversationID)

	ctx, cancel := context.WithTimeout(s.ctx, h.cfg.HandleTimeout)
	defer cancel()

	reply, err := h.chat.Handle(ctx, in)
	switch {
	case err != nil:
		if s.ctx.Err() == nil {
			h.log.Warn("Websocket message failed", "conversation_id", in.ConversationID, "error", err)
		}
		msg := "message handling failed"
		if errors.Is(err, chat.ErrInvalidMessage) {
			msg = err.Error()
		}
		h.sendError(s, in.ConversationID, msg, in.MessageID)
	case reply.Text == "":
		h.send(s, events.Event{
			Type:           FrameAck,
			ConversationID: in.ConversationID,
			Payload:        events.ReplyPayload{MessageID: in.MessageID, Reply: reply},
		})
	case h.events != nil:
		// Every follower of the conversation sees the reply, this session included.
		h.events.BroadcastReply(in.ConversationID, in.MessageID, reply)
	default:
		h.send(s, events.Event{
			Type:           events.TypeReply,
			ConversationID: in.ConversationID,
			Payload:        events.ReplyPayload{MessageID: in.MessageID, Reply: reply},
		})
	}
}

func (h *WebSocketHandler) sendError(s *wsSession, conv, msg, messageID string) {
	payload := map[string]string{"message": msg}
	if messageID != "" {
		payload["message_id"] = messageID
	}
	h.send(s, events.Event{Type: FrameError, ConversationID: conv, Payload: payload})
}

func (h *WebSocketHandler) send(s *wsSession, event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if frame, err := json.Marshal(event); err == nil {
		h.hub.push(s, frame)
	}
}

// Count returns the number of connected clients.
func (h *WebSocketHandler) Count() int {
	return h.hub.size()
}

// Close stops event forwarding and disconnects every client.
func (h *WebSocketHandler) Close() {
	if h.events != nil {
		h.events.Unsubscribe(h.feed)
	}
	<-h.done
	h.hub.shutdown()
}

// originChecker accepts listed origins and pages served from the same host.
// Requests without an Origin header come from non-browser clients and pass.
func originChecker(allowed []string) func(*http.Request) bool {
	wildcard := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || wildcard {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
