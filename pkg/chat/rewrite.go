package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/retry"
)

// maxRewriteLength bounds an accepted rewritten query, in runes.
const maxRewriteLength = 200

var errBadRewrite = errors.New("rewritten query empty or too long")

// Rewriter turns a context-dependent reply into a standalone search query.
type Rewriter struct {
	gen          llm.Generator
	model        string
	historyLimit int
	policy       retry.Policy
}

// NewRewriter creates a Rewriter over gen.
func NewRewriter(gen llm.Generator, model string, historyLimit int) *Rewriter {
	return &Rewriter{
		gen:          gen,
		model:        model,
		historyLimit: historyLimit,
		policy: retry.Policy{
			MaxAttempts:    2,
			InitialBackoff: 500 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

// Rewrite returns the rewritten query, or query itself when rewriting fails.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []buffer.Message) (string, error) {
	prompt := r.prompt(query, history)
	out, err := retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		text, err := r.gen.Generate(ctx, llm.Request{
			Contents:    llm.UserPrompt(prompt),
			Model:       r.model,
			Temperature: 0.3,
			MaxTokens:   256,
		})
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" || utf8.RuneCountInString(text) > maxRewriteLength {
			return "", retry.Permanent(errBadRewrite)
		}
		return text, nil
	})
	if err != nil {
		return query, err
	}
	return out, nil
}

func (r *Rewriter) prompt(query string, history []buffer.Message) string {
	if r.historyLimit >= 0 && len(history) > r.historyLimit {
		history = history[len(history)-r.historyLimit:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		who := m.SenderName
		if m.IsBot {
			who = "助手"
		} else if who == "" {
			who = m.SenderID
		}
		lines = append(lines, who+": "+m.Content)
	}
	historyText := strings.Join(lines, "\n")
	if historyText == "" {
		historyText = "(无历史对话)"
	}

	var b strings.Builder
	b.WriteString("根据以下对话历史，将用户的最新回复重写为一个语义完整、指代清晰的搜索查询语句。不要回答问题，只需重写。如果话题发生了跳跃，忽略旧历史。注意：输出必须使用简体中文。\n\n")
	b.WriteString("对话历史：\n")
	b.WriteString(historyText)
	b.WriteString("\n\n用户最新回复：")
	b.WriteString(query)
	b.WriteString("\n\n重写后的查询：")
	return b.String()
}
