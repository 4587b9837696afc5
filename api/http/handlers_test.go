package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dmdzco/donna2-sub004/internal/store"
)

type fakeStore struct {
	subjects  map[string]*store.Subject
	reminders []*store.Reminder
	calls     []store.Call
	memories  []store.Memory
}

func newFakeStore() *fakeStore {
	return &fakeStore{subjects: make(map[string]*store.Subject)}
}

func (f *fakeStore) CreateSubject(ctx context.Context, sub *store.Subject) error {
	if sub.ID == "" {
		sub.ID = "sub-1"
	}
	f.subjects[sub.ID] = sub
	return nil
}

func (f *fakeStore) GetSubject(ctx context.Context, id string) (*store.Subject, error) {
	return f.subjects[id], nil
}

func (f *fakeStore) CreateReminder(ctx context.Context, r *store.Reminder) error {
	if r.ID == "" {
		r.ID = "rem-1"
	}
	f.reminders = append(f.reminders, r)
	return nil
}

func (f *fakeStore) RecentCalls(ctx context.Context, subjectID string, limit int) ([]store.Call, error) {
	return f.calls, nil
}

func (f *fakeStore) RecentMemories(ctx context.Context, subjectID string, limit int) ([]store.Memory, error) {
	return f.memories, nil
}

func newTestServer(fs *fakeStore) *echo.Echo {
	e := echo.New()
	NewHandlers(fs).Register(e)
	return e
}

func TestCreateSubject(t *testing.T) {
	fs := newFakeStore()
	e := newTestServer(fs)

	body := `{"name":"Edith","phone":"+15551234567","interests":["gardening"]}`
	req := httptest.NewRequest(http.MethodPost, "/subjects", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(fs.subjects) != 1 {
		t.Fatalf("stored %d subjects", len(fs.subjects))
	}
}

func TestCreateSubjectRequiresNameAndPhone(t *testing.T) {
	e := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodPost, "/subjects", strings.NewReader(`{"name":"Edith"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetSubjectNotFound(t *testing.T) {
	e := newTestServer(newFakeStore())

	req := httptest.NewRequest(http.MethodGet, "/subjects/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateReminder(t *testing.T) {
	fs := newFakeStore()
	fs.subjects["sub-1"] = &store.Subject{ID: "sub-1", Name: "Edith"}
	e := newTestServer(fs)

	body := `{"body":"take morning pills","scheduled_at":"2026-04-01T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/subjects/sub-1/reminders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(fs.reminders) != 1 || fs.reminders[0].SubjectID != "sub-1" {
		t.Fatalf("reminders = %+v", fs.reminders)
	}
}

func TestCreateReminderUnknownSubject(t *testing.T) {
	e := newTestServer(newFakeStore())

	body := `{"body":"x","scheduled_at":"2026-04-01T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/subjects/nope/reminders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListMemoriesOmitsEmbeddings(t *testing.T) {
	fs := newFakeStore()
	fs.memories = []store.Memory{{
		ID: "mem-1", SubjectID: "sub-1", Content: "granddaughter visits on Sundays",
		Category: "family", Embedding: []float32{0.1, 0.2}, CreatedAt: time.Now(),
	}}
	e := newTestServer(fs)

	req := httptest.NewRequest(http.MethodGet, "/subjects/sub-1/memories", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "granddaughter") {
		t.Fatalf("memory content missing: %s", body)
	}
	if strings.Contains(body, "Embedding") || strings.Contains(body, "embedding") {
		t.Fatalf("embedding leaked into response: %s", body)
	}
}
