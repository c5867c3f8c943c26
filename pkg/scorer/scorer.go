// Package scorer rates how worth answering an inbound message is, on a 0..1
// scale, using an external scoring service.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/komari-bot/komari/pkg/logger"
	"github.com/komari-bot/komari/pkg/retry"
)

// DefaultScore is returned when the service cannot be reached.
const DefaultScore = 0.5

// Request is the scoring input.
type Request struct {
	Message        string `json:"message"`
	Context        string `json:"context"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"group_id"`
}

// Scorer rates a message. Implementations never fail; they degrade to a
// default score instead.
type Scorer interface {
	Score(ctx context.Context, req Request) float64
}

// Static always returns the same score.
type Static float64

// Score implements Scorer.
func (s Static) Score(context.Context, Request) float64 { return float64(s) }

// HTTPConfig configures HTTPScorer.
type HTTPConfig struct {
	URL          string
	Timeout      time.Duration
	MaxAttempts  int
	DefaultScore float64
}

// HTTPScorer posts the request to a scoring endpoint and reads {"score": x}.
type HTTPScorer struct {
	url    string
	client *http.Client
	policy retry.Policy
	def    float64
	log    logger.Logger
}

// NewHTTP creates a scorer client. A nil client uses one with cfg.Timeout.
func NewHTTP(cfg HTTPConfig, client *http.Client, log logger.Logger) *HTTPScorer {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = logger.Nop()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPScorer{
		url:    cfg.URL,
		client: client,
		policy: retry.Policy{
			MaxAttempts:    attempts,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
		def: cfg.DefaultScore,
		log: log,
	}
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, req Request) float64 {
	score, err := retry.Do(ctx, s.policy, func(ctx context.Context) (float64, error) {
		return s.post(ctx, req)
	})
	if err != nil {
		s.log.WarnContext(ctx, "scoring failed, using default",
			"conversation_id", req.ConversationID,
			"default", s.def,
			"error", err,
		)
		return s.def
	}
	return score
}

func (s *HTTPScorer) post(ctx context.Context, req Request) (float64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out struct {
		Score *float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score: %w", err)
	}
	if out.Score == nil {
		return s.def, nil
	}
	return clamp(*out.Score), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
