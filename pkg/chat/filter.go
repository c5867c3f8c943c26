package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/orsinium-labs/stopwords"

	"github.com/komari-bot/komari/pkg/buffer"
)

// FilterReason explains why a message skipped scoring.
type FilterReason string

// Filter reasons.
const (
	FilterNone          FilterReason = "none"
	FilterShort         FilterReason = "short"
	FilterHistoryRepeat FilterReason = "history_repeat"
	FilterStopwords     FilterReason = "stopwords"
)

// FilterConfig configures Filter.
type FilterConfig struct {
	// MinLength is the minimum trimmed length in runes.
	MinLength int

	// HistoryCheck is how many recent messages are compared for repeats.
	HistoryCheck int

	// StopwordsLanguage enables the stopword-only check ("" disables).
	StopwordsLanguage string
}

// Filter is the cheap pre-check run before scoring.
type Filter struct {
	minLength    int
	historyCheck int
	stop         *stopwords.Stopwords
}

// NewFilter builds a Filter. An unknown stopwords language is an error.
func NewFilter(cfg FilterConfig) (f *Filter, err error) {
	f = &Filter{minLength: cfg.MinLength, historyCheck: cfg.HistoryCheck}
	if cfg.StopwordsLanguage == "" {
		return f, nil
	}
	defer func() {
		if r := recover(); r != nil {
			f, err = nil, fmt.Errorf("stopwords language %q: %v", cfg.StopwordsLanguage, r)
		}
	}()
	f.stop = stopwords.MustGet(cfg.StopwordsLanguage)
	return f, nil
}

// Check classifies content against the recent history (chronological).
func (f *Filter) Check(content string, history []buffer.Message) FilterReason {
	clean := strings.TrimSpace(content)
	if utf8.RuneCountInString(clean) < f.minLength {
		return FilterShort
	}

	if f.historyCheck > 0 {
		if len(history) > f.historyCheck {
			history = history[len(history)-f.historyCheck:]
		}
		lower := strings.ToLower(clean)
		for _, m := range history {
			if strings.ToLower(strings.TrimSpace(m.Content)) == lower {
				return FilterHistoryRepeat
			}
		}
	}

	if f.stop != nil && f.onlyStopwords(clean) {
		return FilterStopwords
	}
	return FilterNone
}

func (f *Filter) onlyStopwords(s string) bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !f.stop.Contains(w) {
			return false
		}
	}
	return true
}
