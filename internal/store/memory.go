package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/archon-ai/archon/internal/memory"
)

// Short-term memory operations

func (s *Store) InsertShortTermMemory(ctx context.Context, rec memory.ShortTermEntry) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO short_term_memory (id, session_id, kind, content, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, rec.ID, rec.SessionID, rec.Kind, rec.Content, rec.CreatedAt, rec.ExpiresAt)
	return err
}

// ListShortTermMemory returns unexpired entries for a session, most
// recent first. limit <= 0 means no limit.
func (s *Store) ListShortTermMemory(ctx context.Context, sessionID string, now time.Time, limit int) ([]memory.ShortTermEntry, error) {
	q := `
SELECT id, session_id, kind, content, created_at, expires_at
FROM short_term_memory
WHERE session_id=$1 AND expires_at > $2
ORDER BY created_at DESC
`
	args := []interface{}{sessionID, now}
	if limit > 0 {
		q += "LIMIT $3\n"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanShortTerm(rows)
}

func (s *Store) GetShortTermMemoryByIDs(ctx context.Context, sessionID string, ids []string, now time.Time) ([]memory.ShortTermEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, session_id, kind, content, created_at, expires_at
FROM short_term_memory
WHERE session_id=$1 AND id = ANY($2) AND expires_at > $3
`, sessionID, pq.Array(ids), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanShortTerm(rows)
}

func (s *Store) DeleteExpiredShortTermMemory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM short_term_memory WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanShortTerm(rows *sql.Rows) ([]memory.ShortTermEntry, error) {
	var out []memory.ShortTermEntry
	for rows.Next() {
		var e memory.ShortTermEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Content, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Long-term memory operations

func (s *Store) InsertLongTermMemory(ctx context.Context, rec memory.LongTermEntry) error {
	vectorLiteral, err := encodeVectorLiteral(rec.Embedding)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO long_term_memory (id, project_id, category, content, importance, embedding, access_count, created_at, last_accessed_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8,$9)
`, rec.ID, rec.ProjectID, rec.Category, rec.Content, rec.Importance, vectorLiteral, rec.AccessCount, rec.CreatedAt, rec.LastAccessedAt)
	return err
}

// SearchLongTermMemory returns the closest entries for the supplied
// vector within a project.
func (s *Store) SearchLongTermMemory(ctx context.Context, projectID string, vector []float32, topK int) ([]memory.LongTermSearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, project_id, category, content, importance, access_count, created_at, last_accessed_at, embedding <=> $1::vector AS distance
FROM long_term_memory
WHERE project_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, vecLiteral, projectID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []memory.LongTermSearchResult
	for rows.Next() {
		var res memory.LongTermSearchResult
		e := &res.Entry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Category, &e.Content, &e.Importance, &e.AccessCount, &e.CreatedAt, &e.LastAccessedAt, &res.Distance); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// ReinforceLongTermImportance raises an entry's importance by boost,
// never below floor, capped at 1. Returns the resulting importance.
func (s *Store) ReinforceLongTermImportance(ctx context.Context, id string, boost, floor float64) (float64, error) {
	var importance float64
	err := s.DB.QueryRowContext(ctx, `
UPDATE long_term_memory
SET importance = LEAST(GREATEST(importance + $2, $3), 1.0)
WHERE id = $1
RETURNING importance
`, id, boost, floor).Scan(&importance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return importance, err
}

// TouchLongTermMemory bumps access counters for recalled entries.
func (s *Store) TouchLongTermMemory(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE long_term_memory
SET access_count = access_count + 1, last_accessed_at = now()
WHERE id = ANY($1)
`, pq.Array(ids))
	return err
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
