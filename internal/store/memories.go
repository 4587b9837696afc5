package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is one extracted fact about a subject, embedded for retrieval.
type Memory struct {
	ID        string
	SubjectID string
	Content   string
	Category  string
	Embedding []float32
	CreatedAt time.Time
}

func (s *Store) InsertMemories(ctx context.Context, memories []Memory) error {
	if len(memories) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (id, subject_id, content, category, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range memories {
		m := &memories[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Category == "" {
			m.Category = "general"
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.SubjectID, m.Content, m.Category,
			encodeEmbedding(m.Embedding), m.CreatedAt); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}
	return tx.Commit()
}

// SearchMemories returns the subject's memories most similar to the query
// embedding, best match first.
func (s *Store) SearchMemories(ctx context.Context, subjectID string, queryEmbedding []float32, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, content, category, embedding, created_at
		FROM memories
		WHERE subject_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2::vector ASC
		LIMIT $3
	`, subjectID, encodeEmbedding(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// RecentMemories returns the newest memories for prompt seeding when no
// query embedding is available.
func (s *Store) RecentMemories(ctx context.Context, subjectID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, content, category, embedding, created_at
		FROM memories
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		var m Memory
		var embedding sql.NullString
		if err := rows.Scan(&m.ID, &m.SubjectID, &m.Content, &m.Category, &embedding, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Embedding = decodeEmbedding(embedding.String)
		out = append(out, m)
	}
	return out, rows.Err()
}

// encodeEmbedding renders a vector in pgvector text format: [0.1,0.2,...]
func encodeEmbedding(embedding []float32) sql.NullString {
	if len(embedding) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sql.NullString{String: sb.String(), Valid: true}
}

func decodeEmbedding(s string) []float32 {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	embedding := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%f", &f); err != nil {
			return nil
		}
		embedding[i] = float32(f)
	}
	return embedding
}
