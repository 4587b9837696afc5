package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	CallInbound  = "inbound"
	CallOutbound = "outbound"
)

// Call is one phone (or console) conversation.
type Call struct {
	ID              string
	SubjectID       string
	ReminderID      string
	Direction       string
	Status          string
	ProviderSID     string
	StartedAt       time.Time
	EndedAt         *time.Time
	TranscriptChars int
	RecordingURL    string
}

func (s *Store) CreateCall(ctx context.Context, c *Call) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = "in_progress"
	}
	c.StartedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, subject_id, reminder_id, direction, status, provider_sid, started_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, $6, $7)
	`, c.ID, c.SubjectID, c.ReminderID, c.Direction, c.Status, nullString(c.ProviderSID), c.StartedAt)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// FinishCall closes the record with the final transcript size and, when a
// recording was archived, its URL.
func (s *Store) FinishCall(ctx context.Context, id, status string, transcriptChars int, recordingURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calls
		SET status = $1, ended_at = now(), transcript_chars = $2, recording_url = COALESCE(NULLIF($3, ''), recording_url)
		WHERE id = $4
	`, status, transcriptChars, recordingURL, id)
	if err != nil {
		return fmt.Errorf("finish call: %w", err)
	}
	return nil
}

// RecentCalls lists a subject's latest conversations, newest first.
func (s *Store) RecentCalls(ctx context.Context, subjectID string, limit int) ([]Call, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, COALESCE(reminder_id::text, ''), direction, status,
		       COALESCE(provider_sid, ''), started_at, ended_at, transcript_chars, COALESCE(recording_url, '')
		FROM calls WHERE subject_id = $1
		ORDER BY started_at DESC LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.ReminderID, &c.Direction, &c.Status,
			&c.ProviderSID, &c.StartedAt, &c.EndedAt, &c.TranscriptChars, &c.RecordingURL); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
