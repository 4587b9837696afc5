package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Subject is a person the companion calls.
type Subject struct {
	ID           string
	Name         string
	Phone        string
	Timezone     string
	Interests    []string
	MedicalNotes []string
	VoiceID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *Store) CreateSubject(ctx context.Context, sub *Subject) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, name, phone, timezone, interests, medical_notes, voice_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sub.ID, sub.Name, sub.Phone, sub.Timezone,
		pq.Array(sub.Interests), pq.Array(sub.MedicalNotes),
		nullString(sub.VoiceID), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (*Subject, error) {
	return s.scanSubject(s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, timezone, interests, medical_notes, voice_id, created_at, updated_at
		FROM subjects WHERE id = $1
	`, id))
}

func (s *Store) GetSubjectByPhone(ctx context.Context, phone string) (*Subject, error) {
	return s.scanSubject(s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, timezone, interests, medical_notes, voice_id, created_at, updated_at
		FROM subjects WHERE phone = $1
	`, phone))
}

func (s *Store) scanSubject(row *sql.Row) (*Subject, error) {
	var sub Subject
	var voiceID sql.NullString
	err := row.Scan(&sub.ID, &sub.Name, &sub.Phone, &sub.Timezone,
		pq.Array(&sub.Interests), pq.Array(&sub.MedicalNotes),
		&voiceID, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subject: %w", err)
	}
	sub.VoiceID = voiceID.String
	return &sub, nil
}
