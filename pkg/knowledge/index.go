package knowledge

import (
	"sort"
	"strings"
	"sync"

	"github.com/coregx/ahocorasick"

	"github.com/komari-bot/komari/pkg/store"
)

// KeywordIndex maps case-folded keywords to knowledge record ids.
//
// Lookup reports every record whose keyword occurs as a substring of the
// query. Short keywords therefore over-match ("ai" hits "said"); curators
// are expected to pick distinctive keywords.
type KeywordIndex struct {
	mu       sync.RWMutex
	postings map[string]map[int64]struct{}

	// automaton is rebuilt lazily after mutations.
	automaton *ahocorasick.Automaton
	patterns  []string
	dirty     bool
}

// NewKeywordIndex creates an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		postings: make(map[string]map[int64]struct{}),
	}
}

func normalizeKeyword(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

// Build replaces the index contents with entries.
func (x *KeywordIndex) Build(entries []store.KeywordEntry) {
	postings := make(map[string]map[int64]struct{})
	for _, e := range entries {
		for _, k := range e.Keywords {
			addPosting(postings, normalizeKeyword(k), e.ID)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.postings = postings
	x.dirty = true
}

func addPosting(postings map[string]map[int64]struct{}, keyword string, id int64) {
	if keyword == "" {
		return
	}
	ids, ok := postings[keyword]
	if !ok {
		ids = make(map[int64]struct{})
		postings[keyword] = ids
	}
	ids[id] = struct{}{}
}

// OnInsert adds id under each keyword.
func (x *KeywordIndex) OnInsert(id int64, keywords []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range keywords {
		addPosting(x.postings, normalizeKeyword(k), id)
	}
	x.dirty = true
}

// OnDelete removes id from each keyword, dropping keywords left empty.
func (x *KeywordIndex) OnDelete(id int64, keywords []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range keywords {
		key := normalizeKeyword(k)
		ids, ok := x.postings[key]
		if !ok {
			continue
		}
		delete(ids, id)
		if len(ids) == 0 {
			delete(x.postings, key)
		}
	}
	x.dirty = true
}

// Lookup returns ids of records with a keyword contained in query.
func (x *KeywordIndex) Lookup(query string) map[int64]struct{} {
	result := make(map[int64]struct{})
	haystack := strings.ToLower(query)
	if strings.TrimSpace(haystack) == "" {
		return result
	}

	x.mu.RLock()
	if x.dirty {
		x.mu.RUnlock()
		x.mu.Lock()
		if x.dirty {
			x.rebuildLocked()
		}
		x.match(haystack, result)
		x.mu.Unlock()
		return result
	}
	x.match(haystack, result)
	x.mu.RUnlock()
	return result
}

// rebuildLocked compiles the automaton. Caller holds the write lock.
func (x *KeywordIndex) rebuildLocked() {
	x.dirty = false
	x.patterns = x.patterns[:0]
	for k := range x.postings {
		x.patterns = append(x.patterns, k)
	}
	sort.Strings(x.patterns)

	if len(x.patterns) == 0 {
		x.automaton = nil
		return
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(x.patterns).
		SetPrefilter(true).
		Build()
	if err != nil {
		// match falls back to a linear scan.
		x.automaton = nil
		return
	}
	x.automaton = automaton
}

// match collects ids for haystack. Caller holds a lock.
func (x *KeywordIndex) match(haystack string, out map[int64]struct{}) {
	if x.automaton == nil {
		for k, ids := range x.postings {
			if strings.Contains(haystack, k) {
				for id := range ids {
					out[id] = struct{}{}
				}
			}
		}
		return
	}
	for _, m := range x.automaton.FindAllOverlapping([]byte(haystack)) {
		if m.PatternID < 0 || m.PatternID >= len(x.patterns) {
			continue
		}
		for id := range x.postings[x.patterns[m.PatternID]] {
			out[id] = struct{}{}
		}
	}
}

// Snapshot returns the postings with sorted id lists.
func (x *KeywordIndex) Snapshot() map[string][]int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make(map[string][]int64, len(x.postings))
	for k, ids := range x.postings {
		list := make([]int64, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		out[k] = list
	}
	return out
}

// Len returns the number of distinct keywords.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.postings)
}
