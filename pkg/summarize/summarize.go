// Package summarize turns buffered chat messages into structured summaries
// and compresses old summaries for the forgetting job.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
)

// Fallback texts.
const (
	// FallbackFuzzy replaces a summary that could not be compressed.
	FallbackFuzzy = "对话内容已模糊化处理"
)

// Importance bounds.
const (
	MinImportance     = 1
	MaxImportance     = 5
	DefaultImportance = 3
)

// ErrNoMessages is returned when Summarize is called with nothing to
// summarize.
var ErrNoMessages = errors.New("summarize: no messages")

// Entity is a fact extracted from a conversation.
type Entity struct {
	UserID     string `json:"user_id,omitempty"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	Category   string `json:"category,omitempty"`
	Importance int    `json:"importance,omitempty"`
}

// Result is a structured conversation summary.
type Result struct {
	Summary    string   `json:"summary"`
	Entities   []Entity `json:"entities"`
	Importance int      `json:"importance"`

	// Degraded is set when the structured response was unusable and the
	// summary came from the plain-text fallback prompt.
	Degraded bool `json:"-"`
}

const resultSchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "user_id": {"type": ["string", "number"]},
          "key": {"type": "string"},
          "value": {},
          "category": {"type": "string"},
          "importance": {"type": ["integer", "number", "string"]}
        }
      }
    },
    "importance": {"type": ["integer", "number", "string", "null"]}
  }
}`

// Config holds generation parameters.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Summarizer wraps a Generator with the summary and compression prompts.
type Summarizer struct {
	gen    llm.Generator
	cfg    Config
	schema *jsonschema.Schema
	log    logger.Logger
}

// New creates a Summarizer.
func New(gen llm.Generator, cfg Config, log logger.Logger) (*Summarizer, error) {
	schema, err := jsonschema.CompileString("summary.schema.json", resultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile summary schema: %w", err)
	}
	if log == nil {
		log = logger.Global()
	}
	return &Summarizer{gen: gen, cfg: cfg, schema: schema, log: log}, nil
}

func summaryPrompt(messages []string) string {
	return "请总结以下对话，提取实体信息，并评估对话的重要性：\n\n" +
		strings.Join(messages, "\n") +
		"\n\n请按以下标准评估重要性（1-5分）：\n" +
		"- 1分：无意义的闲聊、表情、问候\n" +
		"- 2分：简单的日常对话\n" +
		"- 3分：一般的讨论交流\n" +
		"- 4分：有意义的话题讨论\n" +
		"- 5分：重要的决定、约定、或有价值的讨论\n\n" +
		`返回 JSON 格式：{"summary": "...", "entities": [{"user_id": "...", "key": "...", "value": "...", "category": "...", "importance": 3}], "importance": 3}`
}

func plainPrompt(messages []string) string {
	return "请用几句话总结以下对话的主要内容，只返回总结文本：\n\n" + strings.Join(messages, "\n")
}

func compressPrompt(summary string) string {
	return "将以下对话总结压缩为一句话概要（保留主题，删除细节）：\n\n" +
		summary +
		"\n\n只返回压缩后的一句话，不要有任何其他内容。"
}

// Summarize produces a structured summary of messages. A response that is
// not valid JSON or fails validation triggers one plain-text re-prompt whose
// output becomes a summary-only result. Generator errors are returned so
// callers can retry.
func (s *Summarizer) Summarize(ctx context.Context, messages []string) (Result, error) {
	if len(messages) == 0 {
		return Result{}, ErrNoMessages
	}

	raw, err := s.gen.Generate(ctx, llm.Request{
		Contents:    llm.UserPrompt(summaryPrompt(messages)),
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("summarize: %w", err)
	}

	res, perr := s.parse(raw)
	if perr == nil {
		return res, nil
	}
	s.log.WarnContext(ctx, "structured summary unusable, falling back to plain text", "error", perr)

	text, err := s.gen.Generate(ctx, llm.Request{
		Contents:    llm.UserPrompt(plainPrompt(messages)),
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("summarize fallback: %w", err)
	}
	return Result{
		Summary:    strings.TrimSpace(text),
		Entities:   []Entity{},
		Importance: DefaultImportance,
		Degraded:   true,
	}, nil
}

// Compress rewrites summary as one sentence. It never fails: on any error
// the fixed fallback text is returned.
func (s *Summarizer) Compress(ctx context.Context, summary string) string {
	text, err := s.gen.Generate(ctx, llm.Request{
		Contents:    llm.UserPrompt(compressPrompt(summary)),
		Model:       s.cfg.Model,
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		s.log.WarnContext(ctx, "summary compression failed", "error", err)
		return FallbackFuzzy
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FallbackFuzzy
	}
	return text
}

func (s *Summarizer) parse(raw string) (Result, error) {
	body := stripFence(raw)

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Result{}, fmt.Errorf("decode summary: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("validate summary: %w", err)
	}

	obj := doc.(map[string]any)
	res := Result{
		Summary:    strings.TrimSpace(obj["summary"].(string)),
		Entities:   []Entity{},
		Importance: importance(obj["importance"]),
	}
	if items, ok := obj["entities"].([]any); ok {
		for _, item := range items {
			e := item.(map[string]any)
			res.Entities = append(res.Entities, Entity{
				UserID:     stringify(e["user_id"]),
				Key:        stringify(e["key"]),
				Value:      stringify(e["value"]),
				Category:   stringify(e["category"]),
				Importance: importance(e["importance"]),
			})
		}
	}
	return res, nil
}

// importance coerces a decoded JSON value into [1, 5], defaulting to 3.
func importance(v any) int {
	var f float64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return DefaultImportance
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return DefaultImportance
		}
		f = n
	default:
		return DefaultImportance
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return DefaultImportance
	}
	n := int(f)
	switch {
	case n < MinImportance:
		return MinImportance
	case n > MaxImportance:
		return MaxImportance
	}
	return n
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			return fmt.Sprint(t)
		}
		return strings.TrimSpace(buf.String())
	}
}

// stripFence removes a surrounding Markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
