package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reminder statuses move pending -> calling -> acknowledged | missed.
const (
	ReminderPending      = "pending"
	ReminderCalling      = "calling"
	ReminderAcknowledged = "acknowledged"
	ReminderMissed       = "missed"
)

// Reminder is a scheduled check-in the companion delivers by phone.
type Reminder struct {
	ID             string
	SubjectID      string
	Body           string
	ScheduledAt    time.Time
	Status         string
	AckType        string
	AckEvidence    string
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

func (s *Store) CreateReminder(ctx context.Context, r *Reminder) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = ReminderPending
	}
	r.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, subject_id, body, scheduled_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.SubjectID, r.Body, r.ScheduledAt, r.Status, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, body, scheduled_at, status,
		       COALESCE(ack_type, ''), COALESCE(ack_evidence, ''), acknowledged_at, created_at
		FROM reminders WHERE id = $1
	`, id)
	var r Reminder
	err := row.Scan(&r.ID, &r.SubjectID, &r.Body, &r.ScheduledAt, &r.Status,
		&r.AckType, &r.AckEvidence, &r.AcknowledgedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return &r, nil
}

// DueReminders returns pending reminders whose scheduled time has passed and
// atomically moves them to calling so a second scheduler tick cannot pick
// them up again.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE reminders SET status = $1
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = $2 AND scheduled_at <= $3
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, subject_id, body, scheduled_at, status, created_at
	`, ReminderCalling, ReminderPending, now)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.SubjectID, &r.Body, &r.ScheduledAt, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkAcknowledged records that the subject confirmed the reminder during a
// call, with the recognized phrase as evidence.
func (s *Store) MarkAcknowledged(ctx context.Context, id, ackType, evidence string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = $1, ack_type = $2, ack_evidence = $3, acknowledged_at = now()
		WHERE id = $4 AND status != $1
	`, ReminderAcknowledged, ackType, evidence, id)
	if err != nil {
		return fmt.Errorf("acknowledge reminder: %w", err)
	}
	return oneRow(res, id)
}

// MarkEndedWithoutAcknowledgment closes a delivered reminder the subject
// never confirmed; acknowledged reminders are left untouched.
func (s *Store) MarkEndedWithoutAcknowledgment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = $1
		WHERE id = $2 AND status NOT IN ($3, $1)
	`, ReminderMissed, id, ReminderAcknowledged)
	if err != nil {
		return fmt.Errorf("close out reminder: %w", err)
	}
	return nil
}

func oneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("reminder %s not found or already updated", id)
	}
	return nil
}
