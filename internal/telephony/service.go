// Package telephony is the Twilio edge of the companion: webhook handlers,
// signature validation, the bidirectional media-stream endpoint, and the
// outbound dialer used by the reminder scheduler.
package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
)

// Storage receives downloaded call recordings.
type Storage interface {
	Upload(key, contentType string, data []byte) error
}

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL is the public HTTPS origin Twilio reaches us at, without a
	// trailing slash. Required for outbound calls; webhook handlers fall
	// back to request headers when it is empty.
	BaseURL     string
	RecordCalls bool
}

type Service struct {
	config      Config
	storage     Storage
	client      *twilio.RestClient
	httpClient  *http.Client
	upgrader    websocket.Upgrader
	newListener ListenerFactory
	newSession  SessionFactory
}

func New(config Config, storage Storage, newListener ListenerFactory, newSession SessionFactory) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})

	return &Service{
		config:      config,
		storage:     storage,
		client:      client,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		newListener: newListener,
		newSession:  newSession,
	}
}

func (s *Service) RegisterHandlers(e *echo.Echo) {
	e.POST("/twilio/voice", s.handleVoice, s.authMiddleware)
	e.POST("/twilio/status", s.handleCallStatus, s.authMiddleware)
	e.POST("/twilio/recording-status", s.handleRecordingStatus, s.authMiddleware)
	e.GET("/twilio/media-stream", s.handleMediaStream)
}

func (s *Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AuthToken == "" {
			return c.String(http.StatusInternalServerError, "Missing TWILIO_AUTH_TOKEN")
		}

		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to read body")
		}

		formData, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "Failed to parse form")
		}

		params := make(map[string]string)
		for key, values := range formData {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := c.Request().Header.Get("X-Twilio-Signature")
		// The signature covers the full URL including the query string.
		requestURL := s.buildURL(c.Request(), c.Request().URL.RequestURI())

		if !s.validateSignature(signature, requestURL, params) {
			return c.String(http.StatusUnauthorized, "Invalid signature")
		}

		c.Set("twilioParams", params)
		return next(c)
	}
}

func (s *Service) validateSignature(signature, url string, params map[string]string) bool {
	if signature == "" {
		return false
	}

	data := url
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(s.config.AuthToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildURL builds the public absolute URL for a path.
// Priority: configured BaseURL > X-Forwarded-* headers > request Host.
func (s *Service) buildURL(r *http.Request, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if s.config.BaseURL != "" {
		return strings.TrimRight(s.config.BaseURL, "/") + path
	}

	scheme := "https"
	host := r.Header.Get("X-Forwarded-Host")
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" && host != "" {
		scheme = proto
	}
	if host == "" {
		host = r.Host
		if strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
			scheme = "http"
		}
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

// publicURL is buildURL without a request, for the dialer. Errors when no
// BaseURL is configured because Twilio must be given an absolute URL.
func (s *Service) publicURL(path string) (string, error) {
	if s.config.BaseURL == "" {
		return "", fmt.Errorf("telephony: BASE_URL not configured, cannot build public URL for %s", path)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimRight(s.config.BaseURL, "/") + path, nil
}

// wsURL rewrites an http(s) URL to its websocket scheme.
func wsURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
