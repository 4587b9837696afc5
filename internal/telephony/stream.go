package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// frameBytes is one 20ms frame of mu-law audio at 8kHz.
const frameBytes = 160

// closeGrace bounds how long a finished stream waits for the controller to
// flush memory extraction and reminder close-out.
const closeGrace = 15 * time.Second

// Listener is the live transcription client the stream feeds caller audio
// into. Interims are partial fragments, Finals are committed utterance text,
// UtteranceEnds fires when the speaker has stopped.
type Listener interface {
	Connect() error
	SendAudio(frame []byte) error
	Close() error
	Finals() <-chan string
	Interims() <-chan string
	UtteranceEnds() <-chan struct{}
}

// ListenerFactory builds one Listener per call.
type ListenerFactory func() (Listener, error)

// CallSession is the per-call conversation controller. Committed transcript
// fragments land in OnTranscriptDelta; interim hypotheses only arm barge-in.
type CallSession interface {
	Start(ctx context.Context) error
	OnTranscriptDelta(text string)
	OnInterimHypothesis(text string)
	OnUtteranceEnd()
	Close(ctx context.Context) error
}

// CallInfo identifies the call a media stream belongs to. SubjectID and
// ReminderID are set for calls the scheduler placed.
type CallInfo struct {
	CallSID    string
	StreamSID  string
	From       string
	SubjectID  string
	ReminderID string
}

// SessionFactory builds the controller for one call. The MediaStream is the
// call's outbound audio path and is live by the time the factory runs.
type SessionFactory func(ctx context.Context, call CallInfo, transport *MediaStream) (CallSession, error)

// streamMessage is the envelope Twilio sends over the media-stream socket.
type streamMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

type outboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// MediaStream is the outbound half of one Twilio media stream. It carries
// synthesized audio back to the caller in 20ms mu-law frames and exposes the
// clear control message for barge-in.
type MediaStream struct {
	mu        sync.Mutex
	conn      jsonWriter
	streamSID string
	ready     chan struct{}
	readyOnce sync.Once
}

func newMediaStream(conn jsonWriter) *MediaStream {
	return &MediaStream{conn: conn, ready: make(chan struct{})}
}

func (m *MediaStream) markReady(streamSID string) {
	m.readyOnce.Do(func() {
		m.mu.Lock()
		m.streamSID = streamSID
		m.mu.Unlock()
		close(m.ready)
	})
}

// Ready unblocks once the start event has arrived and outbound media is
// accepted.
func (m *MediaStream) Ready() <-chan struct{} { return m.ready }

// WriteAudio sends one synthesized chunk to the caller, split into 20ms
// frames as Twilio expects.
func (m *MediaStream) WriteAudio(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamSID == "" {
		return nil
	}

	for len(chunk) > 0 {
		n := frameBytes
		if n > len(chunk) {
			n = len(chunk)
		}
		msg := outboundMessage{
			Event:     "media",
			StreamSid: m.streamSID,
			Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk[:n])},
		}
		if err := m.conn.WriteJSON(msg); err != nil {
			return err
		}
		chunk = chunk[n:]
	}
	return nil
}

// ClearPlayback drops everything Twilio has buffered for playback. Used on
// barge-in so the caller is not talked over.
func (m *MediaStream) ClearPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamSID == "" {
		return
	}
	if err := m.conn.WriteJSON(outboundMessage{Event: "clear", StreamSid: m.streamSID}); err != nil {
		log.Printf("Failed to send clear for stream %s: %v", m.streamSID, err)
	}
}

func (s *Service) handleMediaStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	s.runMediaStream(conn)
	return nil
}

// runMediaStream drives one call: it waits for the start event, builds the
// transcription client and the session, then pumps caller audio until the
// stream stops.
func (s *Service) runMediaStream(conn *websocket.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms := newMediaStream(conn)

	var (
		listener Listener
		session  CallSession
	)
	defer func() {
		cancel()
		if listener != nil {
			listener.Close()
		}
		if session != nil {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), closeGrace)
			defer closeCancel()
			if err := session.Close(closeCtx); err != nil {
				log.Printf("Session close: %v", err)
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Media stream read: %v", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "connected":

		case "start":
			if msg.Start == nil || session != nil {
				continue
			}
			ms.markReady(msg.Start.StreamSid)

			info := CallInfo{
				CallSID:    msg.Start.CallSid,
				StreamSID:  msg.Start.StreamSid,
				From:       msg.Start.CustomParameters["from"],
				SubjectID:  msg.Start.CustomParameters["subjectId"],
				ReminderID: msg.Start.CustomParameters["reminderId"],
			}
			log.Printf("Media stream started: CallSID=%s StreamSID=%s", info.CallSID, info.StreamSID)

			listener, err = s.newListener()
			if err != nil {
				log.Printf("Listener setup failed: %v", err)
				return
			}
			if err := listener.Connect(); err != nil {
				log.Printf("Listener connect failed: %v", err)
				return
			}

			session, err = s.newSession(ctx, info, ms)
			if err != nil {
				log.Printf("Session setup failed: %v", err)
				return
			}
			go pumpTranscripts(ctx, listener, session)

			if err := session.Start(ctx); err != nil {
				log.Printf("Session start failed: %v", err)
				return
			}

		case "media":
			if listener == nil || msg.Media == nil || msg.Media.Track == "outbound" {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			if err := listener.SendAudio(frame); err != nil {
				log.Printf("Forward audio: %v", err)
			}

		case "mark":

		case "stop":
			log.Printf("Media stream stopped: StreamSID=%s", msg.StreamSid)
			return
		}
	}
}

// pumpTranscripts forwards transcription events into the session until the
// call context ends. Finals are committed fragments and accumulate into the
// utterance buffer; interims are cumulative rewrites of the same speech and
// must never enter it, they only arm barge-in. The utterance-end signal is
// what finalizes the buffered text.
func pumpTranscripts(ctx context.Context, listener Listener, session CallSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-listener.Interims():
			if !ok {
				return
			}
			session.OnInterimHypothesis(text)
		case text, ok := <-listener.Finals():
			if !ok {
				return
			}
			session.OnTranscriptDelta(text)
		case _, ok := <-listener.UtteranceEnds():
			if !ok {
				return
			}
			session.OnUtteranceEnd()
		}
	}
}
