package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Memory is a consolidated conversation summary.
type Memory struct {
	ID                int64     `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Summary           string    `json:"summary"`
	Participants      []string  `json:"participants"`
	ImportanceInitial int       `json:"importance_initial"`
	ImportanceCurrent int       `json:"importance_current"`
	IsFuzzy           bool      `json:"is_fuzzy"`
	Embedding         []float32 `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccessed      time.Time `json:"last_accessed"`
}

// MemoryMatch is a vector search hit. Distance is the raw cosine distance;
// Rank is the distance used for ordering after any participant boost.
type MemoryMatch struct {
	Memory
	Distance float64
	Rank     float64
}

const memoryColumns = "id, conversation_id, summary, participants, importance_initial, importance_current, is_fuzzy, created_at, last_accessed"

func scanMemory(row interface{ Scan(...any) error }, extra ...any) (*Memory, error) {
	var (
		m            Memory
		participants string
		fuzzy        int
		created      int64
		lastAccessed int64
	)
	dest := []any{&m.ID, &m.ConversationID, &m.Summary, &participants,
		&m.ImportanceInitial, &m.ImportanceCurrent, &fuzzy, &created, &lastAccessed}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p, err := decodeStrings(participants)
	if err != nil {
		return nil, err
	}
	m.Participants = p
	m.IsFuzzy = fuzzy != 0
	m.CreatedAt = fromMilli(created)
	m.LastAccessed = fromMilli(lastAccessed)
	return &m, nil
}

// InsertMemory stores m with importance_current equal to importance_initial
// and returns its id.
func (s *SQLite) InsertMemory(ctx context.Context, m *Memory) (int64, error) {
	vec, err := s.encodeVector(m.Embedding)
	if err != nil {
		return 0, err
	}
	participants, err := encodeStrings(m.Participants)
	if err != nil {
		return 0, err
	}
	now := unixMilli(s.now())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (conversation_id, summary, participants, importance_initial, importance_current, is_fuzzy, embedding, created_at, last_accessed)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		m.ConversationID, m.Summary, participants, m.ImportanceInitial, m.ImportanceInitial, vec, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return res.LastInsertId()
}

// GetMemory returns one memory or ErrNotFound.
func (s *SQLite) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %d: %w", id, err)
	}
	return m, nil
}

// ListMemories returns memories of a conversation, newest first.
func (s *SQLite) ListMemories(ctx context.Context, conversationID string, limit int) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := []*Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchMemories ranks memories of a conversation by cosine distance to vec.
// When userID is set, the distance of memories the user took part in is
// divided by boost before ordering.
func (s *SQLite) SearchMemories(ctx context.Context, vec []float32, conversationID, userID string, boost float64, limit int) ([]MemoryMatch, error) {
	if limit <= 0 {
		return []MemoryMatch{}, nil
	}
	blob, err := s.encodeVector(vec)
	if err != nil {
		return nil, err
	}
	if boost < 1 {
		boost = 1
	}

	// Placeholders in the ranking expression precede those of the subquery.
	ranking := "distance"
	var args []any
	if userID != "" {
		ranking = "CASE WHEN EXISTS (SELECT 1 FROM json_each(scored.participants) WHERE json_each.value = ?) THEN distance / ? ELSE distance END"
		args = append(args, userID, boost)
	}
	query := `SELECT ` + memoryColumns + `, distance, ` + ranking + ` AS ranking FROM (
		SELECT *, vec_distance_cosine(embedding, ?) AS distance FROM memories WHERE conversation_id = ?
	) AS scored ORDER BY ranking, id LIMIT ?`
	args = append(args, blob, conversationID, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search memories: %w", err)
	}
	defer rows.Close()

	out := []MemoryMatch{}
	for rows.Next() {
		var match MemoryMatch
		m, err := scanMemory(rows, &match.Distance, &match.Rank)
		if err != nil {
			return nil, err
		}
		match.Memory = *m
		out = append(out, match)
	}
	return out, rows.Err()
}

// TouchMemories resets importance_current to importance_initial and stamps
// last_accessed on the given memories.
func (s *SQLite) TouchMemories(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{unixMilli(s.now())}, int64Args(ids)...)
	_, err := s.db.ExecContext(ctx,
		"UPDATE memories SET last_accessed = ?, importance_current = importance_initial WHERE id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// DecayMemories lowers importance_current of every memory by one, floored
// at zero, and returns the number of rows that changed.
func (s *SQLite) DecayMemories(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET importance_current = MAX(0, importance_current - 1) WHERE importance_current > 0")
	if err != nil {
		return 0, fmt.Errorf("decay memories: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExhaustedLowValue removes zero-importance memories whose initial
// importance is at or below threshold.
func (s *SQLite) DeleteExhaustedLowValue(ctx context.Context, threshold int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE importance_current = 0 AND importance_initial <= ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("delete low value memories: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExhaustedFuzzy removes zero-importance, already fuzzified memories
// whose initial importance is above threshold.
func (s *SQLite) DeleteExhaustedFuzzy(ctx context.Context, threshold int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE importance_current = 0 AND importance_initial > ? AND is_fuzzy = 1", threshold)
	if err != nil {
		return 0, fmt.Errorf("delete fuzzy memories: %w", err)
	}
	return res.RowsAffected()
}

// ExhaustedHighValue lists zero-importance, not yet fuzzified memories whose
// initial importance is above threshold.
func (s *SQLite) ExhaustedHighValue(ctx context.Context, threshold int) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE importance_current = 0 AND importance_initial > ? AND is_fuzzy = 0 ORDER BY id",
		threshold)
	if err != nil {
		return nil, fmt.Errorf("list high value memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FuzzifyMemory replaces the summary, marks the memory fuzzy and restores
// its importance for one more lifecycle.
func (s *SQLite) FuzzifyMemory(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET summary = ?, is_fuzzy = 1, importance_current = importance_initial WHERE id = ?",
		summary, id)
	if err != nil {
		return fmt.Errorf("fuzzify memory %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
