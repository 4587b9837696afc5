// Package sched places outbound reminder calls on a cron cadence.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmdzco/donna2-sub004/internal/store"
	"github.com/dmdzco/donna2-sub004/internal/telephony"
)

// ReminderSource claims due reminders and resolves their subjects.
type ReminderSource interface {
	DueReminders(ctx context.Context, now time.Time) ([]store.Reminder, error)
	GetSubject(ctx context.Context, id string) (*store.Subject, error)
	MarkEndedWithoutAcknowledgment(ctx context.Context, id string) error
}

// Dialer places one outbound call.
type Dialer interface {
	PlaceCall(ctx context.Context, call telephony.OutboundCall) (string, error)
}

type Config struct {
	// PollSpec is a cron spec; defaults to every minute.
	PollSpec string
	// TickTimeout bounds one polling pass.
	TickTimeout time.Duration
	Logger      *slog.Logger
}

// Scheduler polls for due reminders and dials the subject for each one. The
// claim in DueReminders is atomic, so overlapping ticks and multiple
// processes do not double-dial.
type Scheduler struct {
	source ReminderSource
	dialer Dialer
	cron   *cron.Cron
	config Config
	log    *slog.Logger
	now    func() time.Time
}

func New(source ReminderSource, dialer Dialer, config Config) *Scheduler {
	if config.PollSpec == "" {
		config.PollSpec = "@every 1m"
	}
	if config.TickTimeout <= 0 {
		config.TickTimeout = 30 * time.Second
	}
	lg := config.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Scheduler{
		source: source,
		dialer: dialer,
		cron:   cron.New(),
		config: config,
		log:    lg.With("component", "sched"),
		now:    time.Now,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.config.PollSpec, s.tick); err != nil {
		return fmt.Errorf("schedule reminder poll: %w", err)
	}
	s.cron.Start()
	s.log.Info("reminder scheduler started", "spec", s.config.PollSpec)
	return nil
}

// Stop halts polling and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("reminder scheduler stopped")
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TickTimeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce performs one polling pass. Exposed for tests and manual triggering.
func (s *Scheduler) RunOnce(ctx context.Context) {
	due, err := s.source.DueReminders(ctx, s.now())
	if err != nil {
		s.log.Error("claim due reminders", "error", err)
		return
	}

	for _, r := range due {
		if err := s.deliver(ctx, r); err != nil {
			s.log.Error("deliver reminder", "reminder", r.ID, "error", err)
			// The subject never heard it; record the miss so it is visible.
			if err := s.source.MarkEndedWithoutAcknowledgment(ctx, r.ID); err != nil {
				s.log.Error("close out undelivered reminder", "reminder", r.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) deliver(ctx context.Context, r store.Reminder) error {
	subject, err := s.source.GetSubject(ctx, r.SubjectID)
	if err != nil {
		return fmt.Errorf("resolve subject %s: %w", r.SubjectID, err)
	}
	if subject == nil || subject.Phone == "" {
		return fmt.Errorf("subject %s has no phone number", r.SubjectID)
	}

	sid, err := s.dialer.PlaceCall(ctx, telephony.OutboundCall{
		To:         subject.Phone,
		SubjectID:  r.SubjectID,
		ReminderID: r.ID,
	})
	if err != nil {
		return err
	}
	s.log.Info("reminder call placed", "reminder", r.ID, "subject", r.SubjectID, "call_sid", sid)
	return nil
}
