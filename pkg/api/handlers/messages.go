package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/komari-bot/komari/pkg/api/events"
	"github.com/komari-bot/komari/pkg/api/response"
	"github.com/komari-bot/komari/pkg/chat"
	"github.com/komari-bot/komari/pkg/logger"
)

// MessageResponse is the reply to POST /messages.
type MessageResponse struct {
	MessageID string     `json:"message_id"`
	Reply     chat.Reply `json:"reply"`
}

// MessageHTTPHandler accepts chat messages over plain HTTP.
type MessageHTTPHandler struct {
	chat   MessageHandler
	events *events.Broadcaster
	logger logger.Logger
}

// NewMessageHandler creates a message handler. Replies are also published
// on broadcaster when it is not nil.
func NewMessageHandler(chatHandler MessageHandler, broadcaster *events.Broadcaster, log logger.Logger) *MessageHTTPHandler {
	return &MessageHTTPHandler{chat: chatHandler, events: broadcaster, logger: log}
}

// Post handles POST /api/v1/messages
// @Summary Deliver a chat message
// @Description Buffers the message and returns the bot's reply, if any.
// @Tags chat
// @Accept json
// @Produce json
// @Param message body chat.Inbound true "Inbound message"
// @Success 200 {object} MessageResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/v1/messages [post]
func (h *MessageHTTPHandler) Post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in chat.Inbound
	if err := decodeJSON(w, r, &in); err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if in.MessageID == "" {
		in.MessageID = uuid.NewString()
	}

	reply, err := h.chat.Handle(ctx, in)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to handle message", "conversation_id", in.ConversationID, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}
	if reply.Text != "" && h.events != nil {
		h.events.BroadcastReply(in.ConversationID, in.MessageID, reply)
	}

	response.JSON(w, http.StatusOK, MessageResponse{MessageID: in.MessageID, Reply: reply})
}
