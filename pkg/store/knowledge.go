package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KnowledgeRecord is a curated knowledge base entry.
type KnowledgeRecord struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Keywords  []string  `json:"keywords"`
	Category  string    `json:"category"`
	Notes     string    `json:"notes,omitempty"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KnowledgeMatch is a vector search hit.
type KnowledgeMatch struct {
	ID       int64
	Category string
	Content  string
	Distance float64
}

// KeywordEntry is the id and keyword list of one record, used to build the
// keyword index.
type KeywordEntry struct {
	ID       int64
	Keywords []string
}

const knowledgeColumns = "id, content, keywords, category, notes, created_at, updated_at"

func scanKnowledge(row interface{ Scan(...any) error }) (*KnowledgeRecord, error) {
	var (
		rec      KnowledgeRecord
		keywords string
		created  int64
		updated  int64
	)
	if err := row.Scan(&rec.ID, &rec.Content, &keywords, &rec.Category, &rec.Notes, &created, &updated); err != nil {
		return nil, err
	}
	kw, err := decodeStrings(keywords)
	if err != nil {
		return nil, err
	}
	rec.Keywords = kw
	rec.CreatedAt = fromMilli(created)
	rec.UpdatedAt = fromMilli(updated)
	return &rec, nil
}

// InsertKnowledge stores rec and returns its assigned id.
func (s *SQLite) InsertKnowledge(ctx context.Context, rec *KnowledgeRecord) (int64, error) {
	vec, err := s.encodeVector(rec.Embedding)
	if err != nil {
		return 0, err
	}
	keywords, err := encodeStrings(rec.Keywords)
	if err != nil {
		return 0, err
	}
	now := unixMilli(s.now())

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (content, keywords, category, notes, embedding, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Content, keywords, rec.Category, rec.Notes, vec, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert knowledge: %w", err)
	}
	return res.LastInsertId()
}

// UpdateKnowledge overwrites the mutable fields of rec. A nil Embedding
// keeps the stored vector. It reports whether the record existed.
func (s *SQLite) UpdateKnowledge(ctx context.Context, rec *KnowledgeRecord) (bool, error) {
	keywords, err := encodeStrings(rec.Keywords)
	if err != nil {
		return false, err
	}
	now := unixMilli(s.now())

	var res sql.Result
	if rec.Embedding != nil {
		vec, verr := s.encodeVector(rec.Embedding)
		if verr != nil {
			return false, verr
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE knowledge SET content = ?, keywords = ?, category = ?, notes = ?, embedding = ?, updated_at = ?
			 WHERE id = ?`,
			rec.Content, keywords, rec.Category, rec.Notes, vec, now, rec.ID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE knowledge SET content = ?, keywords = ?, category = ?, notes = ?, updated_at = ?
			 WHERE id = ?`,
			rec.Content, keywords, rec.Category, rec.Notes, now, rec.ID)
	}
	if err != nil {
		return false, fmt.Errorf("update knowledge %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteKnowledge removes a record and reports whether it existed.
func (s *SQLite) DeleteKnowledge(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM knowledge WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete knowledge %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetKnowledge returns one record or ErrNotFound.
func (s *SQLite) GetKnowledge(ctx context.Context, id int64) (*KnowledgeRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+knowledgeColumns+" FROM knowledge WHERE id = ?", id)
	rec, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge %d: %w", id, err)
	}
	return rec, nil
}

// GetKnowledgeMany returns the records among ids that exist, ordered by id.
// At most limit records are returned when limit is positive.
func (s *SQLite) GetKnowledgeMany(ctx context.Context, ids []int64, limit int) ([]*KnowledgeRecord, error) {
	if len(ids) == 0 {
		return []*KnowledgeRecord{}, nil
	}
	query := "SELECT " + knowledgeColumns + " FROM knowledge WHERE id IN (" + placeholders(len(ids)) + ") ORDER BY id"
	args := int64Args(ids)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryKnowledge(ctx, query, args...)
}

// ListKnowledge pages through records, optionally filtered by category.
func (s *SQLite) ListKnowledge(ctx context.Context, category string, limit, offset int) ([]*KnowledgeRecord, error) {
	query := "SELECT " + knowledgeColumns + " FROM knowledge"
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	return s.queryKnowledge(ctx, query, args...)
}

// CountKnowledge returns the number of records.
func (s *SQLite) CountKnowledge(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge").Scan(&n)
	return n, err
}

func (s *SQLite) queryKnowledge(ctx context.Context, query string, args ...any) ([]*KnowledgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()

	out := []*KnowledgeRecord{}
	for rows.Next() {
		rec, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AllKeywords returns the keyword list of every record.
func (s *SQLite) AllKeywords(ctx context.Context) ([]KeywordEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, keywords FROM knowledge ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()

	var out []KeywordEntry
	for rows.Next() {
		var (
			e  KeywordEntry
			kw string
		)
		if err := rows.Scan(&e.ID, &kw); err != nil {
			return nil, err
		}
		if e.Keywords, err = decodeStrings(kw); err != nil {
			return nil, fmt.Errorf("record %d: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchKnowledge returns the records nearest to vec by cosine distance,
// skipping ids in exclude.
func (s *SQLite) SearchKnowledge(ctx context.Context, vec []float32, exclude []int64, limit int) ([]KnowledgeMatch, error) {
	if limit <= 0 {
		return []KnowledgeMatch{}, nil
	}
	blob, err := s.encodeVector(vec)
	if err != nil {
		return nil, err
	}

	query := "SELECT id, category, content, vec_distance_cosine(embedding, ?) AS distance FROM knowledge WHERE embedding IS NOT NULL"
	args := []any{blob}
	if len(exclude) > 0 {
		query += " AND id NOT IN (" + placeholders(len(exclude)) + ")"
		args = append(args, int64Args(exclude)...)
	}
	query += " ORDER BY distance LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search knowledge: %w", err)
	}
	defer rows.Close()

	out := []KnowledgeMatch{}
	for rows.Next() {
		var m KnowledgeMatch
		if err := rows.Scan(&m.ID, &m.Category, &m.Content, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
