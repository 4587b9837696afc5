package rtc

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// realtimeWSMessage is the signaling message format.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type realtimeWSMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus trickle
// ICE signaling. It expects auth (optional) -> offer -> candidates, and
// responds with answer + candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, iceServersJSON string, authPassword string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Auth: Authorization: Bearer <pwd>, ?password=, or a first auth frame.
	if authPassword != "" {
		if !checkAuthHeaderOrQuery(r, authPassword) {
			mt, data, rerr := conn.ReadMessage()
			if rerr != nil {
				_ = writeWSError(conn, errors.New("auth required"))
				return
			}
			if mt != websocket.TextMessage {
				_ = writeWSError(conn, errors.New("invalid auth frame"))
				return
			}
			var m realtimeWSMessage
			if jerr := json.Unmarshal(data, &m); jerr != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
				_ = writeWSError(conn, errors.New("unauthorized"))
				return
			}
		}
	}

	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			log.Printf("ws read error before offer: %v", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m realtimeWSMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.ToLower(m.Type) == "offer" && m.SDP != "" {
			offerSDP = m.SDP
			break
		}
		if strings.ToLower(m.Type) == "bye" {
			return
		}
	}

	pc, outTrack, err := h.createPeer(iceServersJSON)
	if err != nil {
		_ = writeWSError(conn, err)
		return
	}
	defer func() { _ = pc.Close() }()

	callID := generateCallID()

	// Trickle local candidates to the client.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = writeWS(conn, realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = writeWS(conn, realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	// Receive remote trickle candidates.
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m realtimeWSMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	h.attachMediaHandlers(callID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = writeWSError(conn, err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = writeWSError(conn, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = writeWSError(conn, err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = writeWSError(conn, errors.New("no local description"))
		return
	}
	if err := writeWS(conn, realtimeWSMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", callID, err)
		return
	}

	// Hold the handler open until the peer connection ends; media cleanup is
	// driven by the connection state callback.
	for {
		time.Sleep(2 * time.Second)
		state := pc.ConnectionState()
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			return
		}
	}
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	return conn.WriteJSON(v)
}

func writeWSError(conn *websocket.Conn, err error) error {
	return conn.WriteJSON(map[string]string{"type": "error", "error": err.Error()})
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if iceJSON != "" {
		if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
			return servers
		}
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
