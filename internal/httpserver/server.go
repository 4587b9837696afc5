package httpserver

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dmdzco/donna2-sub004/internal/rtc"
)

// RegisterRTC mounts the browser call console routes: a plain offer/answer
// POST for clients that wait for full ICE gathering, and a WebSocket route
// with trickle ICE.
func RegisterRTC(e *echo.Echo, h *rtc.Handler, iceServersJSON, authPassword string) {
	e.POST("/call", func(c echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if !rtcAuthOK(c.Request(), authPassword) {
			return c.String(http.StatusUnauthorized, "unauthorized")
		}

		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			log.Printf("invalid offer: %v", err)
			return c.String(http.StatusBadRequest, "invalid offer")
		}

		answer, err := h.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Printf("webrtc handle offer failed: %v", err)
			return c.String(http.StatusInternalServerError, "offer failed")
		}
		return c.JSON(http.StatusOK, answer)
	})

	e.OPTIONS("/call", func(c echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		c.Response().Header().Set("Access-Control-Allow-Headers", "Content-Type")
		return c.NoContent(http.StatusNoContent)
	})

	e.GET("/call/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request(), iceServersJSON, authPassword)
		return nil
	})
}

// rtcAuthOK checks the console password from query, bearer header, or
// X-Auth-Token. An unset password leaves the console open.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}
