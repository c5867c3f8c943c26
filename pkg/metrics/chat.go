package metrics

import "github.com/prometheus/client_golang/prometheus"

// initChatMetrics initializes inbound message handling metrics.
func (m *Manager) initChatMetrics() {
	m.chatMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of inbound messages by routing decision",
		},
		[]string{"decision"},
	)

	m.chatReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_replies_total",
			Help: "Total number of generated replies by trigger",
		},
		[]string{"trigger"},
	)

	m.chatFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_fallbacks_total",
			Help: "Total number of canned fallback replies",
		},
	)

	m.registry.MustRegister(m.chatMessages)
	m.registry.MustRegister(m.chatReplies)
	m.registry.MustRegister(m.chatFallbacks)
}

// RecordChatDecision records how an inbound message was routed.
func (m *Manager) RecordChatDecision(decision string) {
	if !m.enabled {
		return
	}
	m.chatMessages.WithLabelValues(decision).Inc()
}

// RecordChatReply records a generated reply.
func (m *Manager) RecordChatReply(trigger string) {
	if !m.enabled {
		return
	}
	m.chatReplies.WithLabelValues(trigger).Inc()
}

// RecordChatFallback records a canned fallback reply.
func (m *Manager) RecordChatFallback() {
	if !m.enabled {
		return
	}
	m.chatFallbacks.Inc()
}
