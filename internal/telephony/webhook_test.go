package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHandleVoiceConnectsMediaStream(t *testing.T) {
	s := New(Config{AuthToken: "secret", BaseURL: "https://companion.example.com"}, nil, nil, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice?subjectId=sub-1&reminderId=rem-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("twilioParams", map[string]string{
		"CallSid": "CA123",
		"From":    "+15551234567",
	})

	if err := s.handleVoice(c); err != nil {
		t.Fatalf("handleVoice: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/xml" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"<Connect>",
		`url="wss://companion.example.com/twilio/media-stream"`,
		`name="from"`,
		"+15551234567",
		`value="sub-1"`,
		`value="rem-1"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("TwiML missing %q:\n%s", want, body)
		}
	}
}

func TestHandleVoiceWithoutParams(t *testing.T) {
	s := New(Config{AuthToken: "secret"}, nil, nil, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := s.handleVoice(c); err != nil {
		t.Fatalf("handleVoice: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when auth middleware did not run", rec.Code)
	}
}

func TestHandleCallStatus(t *testing.T) {
	s := New(Config{AuthToken: "secret"}, nil, nil, nil)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/twilio/status", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("twilioParams", map[string]string{
		"CallSid":      "CA123",
		"CallStatus":   "completed",
		"CallDuration": "184",
	})

	if err := s.handleCallStatus(c); err != nil {
		t.Fatalf("handleCallStatus: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
