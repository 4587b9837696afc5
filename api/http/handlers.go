// Package http exposes the companion's small admin API: creating subjects
// and reminders, and reading back call logs and memories.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dmdzco/donna2-sub004/internal/store"
)

// Store is the persistence surface the admin API needs.
type Store interface {
	CreateSubject(ctx context.Context, sub *store.Subject) error
	GetSubject(ctx context.Context, id string) (*store.Subject, error)
	CreateReminder(ctx context.Context, r *store.Reminder) error
	RecentCalls(ctx context.Context, subjectID string, limit int) ([]store.Call, error)
	RecentMemories(ctx context.Context, subjectID string, limit int) ([]store.Memory, error)
}

type Handlers struct {
	store Store
}

func NewHandlers(st Store) Handlers {
	return Handlers{store: st}
}

func (h Handlers) Register(e *echo.Echo) {
	e.POST("/subjects", h.createSubject)
	e.GET("/subjects/:id", h.getSubject)
	e.POST("/subjects/:id/reminders", h.createReminder)
	e.GET("/subjects/:id/calls", h.listCalls)
	e.GET("/subjects/:id/memories", h.listMemories)
}

type subjectRequest struct {
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	Timezone     string   `json:"timezone"`
	Interests    []string `json:"interests"`
	MedicalNotes []string `json:"medical_notes"`
	VoiceID      string   `json:"voice_id"`
}

func (h Handlers) createSubject(c echo.Context) error {
	var req subjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" || req.Phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and phone are required")
	}

	sub := &store.Subject{
		Name:         req.Name,
		Phone:        req.Phone,
		Timezone:     req.Timezone,
		Interests:    req.Interests,
		MedicalNotes: req.MedicalNotes,
		VoiceID:      req.VoiceID,
	}
	if err := h.store.CreateSubject(c.Request().Context(), sub); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h Handlers) getSubject(c echo.Context) error {
	sub, err := h.store.GetSubject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "subject not found")
	}
	return c.JSON(http.StatusOK, sub)
}

type reminderRequest struct {
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h Handlers) createReminder(c echo.Context) error {
	subjectID := c.Param("id")
	sub, err := h.store.GetSubject(c.Request().Context(), subjectID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sub == nil {
		return echo.NewHTTPError(http.StatusNotFound, "subject not found")
	}

	var req reminderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Body == "" || req.ScheduledAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "body and scheduled_at are required")
	}

	rem := &store.Reminder{
		SubjectID:   subjectID,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
	}
	if err := h.store.CreateReminder(c.Request().Context(), rem); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rem)
}

func (h Handlers) listCalls(c echo.Context) error {
	calls, err := h.store.RecentCalls(c.Request().Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if calls == nil {
		calls = []store.Call{}
	}
	return c.JSON(http.StatusOK, calls)
}

func (h Handlers) listMemories(c echo.Context) error {
	memories, err := h.store.RecentMemories(c.Request().Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]map[string]any, 0, len(memories))
	for _, m := range memories {
		out = append(out, map[string]any{
			"id":         m.ID,
			"content":    m.Content,
			"category":   m.Category,
			"created_at": m.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func queryLimit(c echo.Context) int {
	n, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || n <= 0 {
		return 20
	}
	return n
}
