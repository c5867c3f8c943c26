package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entity is a fact about a user extracted from a conversation. The triple
// (UserID, ConversationID, Key) identifies it.
type Entity struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Category       string    `json:"category"`
	Importance     int       `json:"importance"`
	AccessCount    int       `json:"access_count"`
	LastAccessed   time.Time `json:"last_accessed"`
}

// EntityFilter narrows GetEntities. Empty fields match everything.
type EntityFilter struct {
	UserID         string
	ConversationID string
}

// UpsertEntity inserts e or overwrites value, category and importance of
// the existing entity with the same identity.
func (s *SQLite) UpsertEntity(ctx context.Context, e *Entity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (user_id, conversation_id, "key", value, category, importance, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (user_id, conversation_id, "key")
		 DO UPDATE SET value = excluded.value, category = excluded.category, importance = excluded.importance`,
		e.UserID, e.ConversationID, e.Key, e.Value, e.Category, e.Importance, unixMilli(s.now()))
	if err != nil {
		return fmt.Errorf("upsert entity %s/%s/%s: %w", e.UserID, e.ConversationID, e.Key, err)
	}
	return nil
}

// GetEntities returns entities ordered by importance, highest first, and
// counts the read as an access.
func (s *SQLite) GetEntities(ctx context.Context, filter EntityFilter, limit int) ([]*Entity, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	query := `SELECT user_id, conversation_id, "key", value, category, importance, access_count, last_accessed FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY importance DESC, last_accessed DESC, "key" LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}

	out := []*Entity{}
	for rows.Next() {
		var (
			e        Entity
			accessed int64
		)
		if err := rows.Scan(&e.UserID, &e.ConversationID, &e.Key, &e.Value, &e.Category,
			&e.Importance, &e.AccessCount, &accessed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.LastAccessed = fromMilli(accessed)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	now := s.now()
	for _, e := range out {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entities SET access_count = access_count + 1, last_accessed = ?
			 WHERE user_id = ? AND conversation_id = ? AND "key" = ?`,
			unixMilli(now), e.UserID, e.ConversationID, e.Key); err != nil {
			return nil, fmt.Errorf("record entity access: %w", err)
		}
		e.AccessCount++
		e.LastAccessed = now
	}
	return out, nil
}

// DeleteEntity removes one entity and reports whether it existed.
func (s *SQLite) DeleteEntity(ctx context.Context, userID, conversationID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE user_id = ? AND conversation_id = ? AND "key" = ?`,
		userID, conversationID, key)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
