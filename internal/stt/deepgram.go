// Package stt streams call audio to Deepgram's live transcription API and
// exposes finalized fragments, interim results and end-of-utterance signals
// as channels.
package stt

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// KEEPALIVE_INTERVAL keeps the Deepgram socket open across quiet stretches.
// Deepgram drops connections after ~10s without audio or keepalive.
const KEEPALIVE_INTERVAL = 5 * time.Second

// LiveConfig describes one live transcription stream.
type LiveConfig struct {
	APIKey string

	// Model defaults to nova-2.
	Model string

	// Encoding and SampleRate describe the inbound audio. Telephony sends
	// mulaw at 8000, the browser console sends linear16 at 48000.
	Encoding   string
	SampleRate int

	Language string

	// EndpointingMS is Deepgram's pause detection; UtteranceEndMS is the
	// longer gap that emits an explicit UtteranceEnd event.
	EndpointingMS  int
	UtteranceEndMS int
}

func (c LiveConfig) withDefaults() LiveConfig {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Encoding == "" {
		c.Encoding = "mulaw"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.EndpointingMS == 0 {
		c.EndpointingMS = 300
	}
	if c.UtteranceEndMS == 0 {
		c.UtteranceEndMS = 1200
	}
	return c
}

// LiveClient is one WebSocket session against Deepgram's listen endpoint.
type LiveClient struct {
	cfg  LiveConfig
	conn *websocket.Conn

	finals   chan string
	interims chan string
	uttEnds  chan struct{}
	audio    chan []byte
	stopCh   chan struct{}

	mu        sync.RWMutex
	connected bool
	stopOnce  sync.Once
}

// Deepgram live message shapes. Results carry the transcript; is_final marks
// a fragment that will not be revised, speech_final marks the end of a spoken
// utterance.
type resultsMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type utteranceEndMessage struct {
	Type        string  `json:"type"`
	LastWordEnd float64 `json:"last_word_end"`
}

type metadataMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type errorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// NewLiveClient builds a client; call Connect before sending audio.
func NewLiveClient(cfg LiveConfig) *LiveClient {
	return &LiveClient{
		cfg:      cfg.withDefaults(),
		finals:   make(chan string, 100),
		interims: make(chan string, 100),
		uttEnds:  make(chan struct{}, 10),
		audio:    make(chan []byte, 1000),
		stopCh:   make(chan struct{}),
	}
}

// Finals delivers transcript fragments Deepgram has committed (is_final).
func (c *LiveClient) Finals() <-chan string { return c.finals }

// Interims delivers in-flight hypotheses, useful for barge-in and live UI.
func (c *LiveClient) Interims() <-chan string { return c.interims }

// UtteranceEnds signals once per detected end of utterance.
func (c *LiveClient) UtteranceEnds() <-chan struct{} { return c.uttEnds }

// Connect opens the WebSocket and starts the reader, writer and keepalive
// loops.
func (c *LiveClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.cfg.APIKey == "" {
		return fmt.Errorf("deepgram API key is empty")
	}

	params := url.Values{}
	params.Set("model", c.cfg.Model)
	params.Set("language", c.cfg.Language)
	params.Set("encoding", c.cfg.Encoding)
	params.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	params.Set("channels", "1")
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("interim_results", "true")
	params.Set("endpointing", strconv.Itoa(c.cfg.EndpointingMS))
	params.Set("utterance_end_ms", strconv.Itoa(c.cfg.UtteranceEndMS))
	params.Set("vad_events", "true")

	wsURL := fmt.Sprintf("wss://api.deepgram.com/v1/listen?%s", params.Encode())
	headers := map[string][]string{
		"Authorization": {"Token " + c.cfg.APIKey},
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("Deepgram connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	c.conn = conn
	c.connected = true

	go c.readLoop()
	go c.writeLoop()
	go c.keepaliveLoop()

	log.Printf("Connected to Deepgram live (%s %s@%d)", c.cfg.Model, c.cfg.Encoding, c.cfg.SampleRate)
	return nil
}

// SendAudio queues one audio frame for delivery. Frames are dropped rather
// than blocking the media path when the socket falls behind.
func (c *LiveClient) SendAudio(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return fmt.Errorf("not connected to Deepgram")
	}
	select {
	case c.audio <- frame:
		return nil
	default:
		log.Println("Deepgram audio buffer full, dropping frame")
		return nil
	}
}

// Close ends the stream. Deepgram flushes remaining results after
// CloseStream, but close is deliberately prompt rather than lossless.
// The result channels are closed by the read loop, never here: the reader
// is the only sender on them, so only it can close them without racing a
// send in flight.
func (c *LiveClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.conn != nil {
		_ = c.conn.WriteJSON(map[string]string{"type": "CloseStream"})
		_ = c.conn.Close()
	}
	c.connected = false
	c.conn = nil
	log.Println("Deepgram connection closed")
	return nil
}

// readLoop owns the result channels; closing them on exit is how consumers
// learn the stream is over.
func (c *LiveClient) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in Deepgram readLoop: %v", r)
		}
		close(c.finals)
		close(c.interims)
		close(c.uttEnds)
	}()
	for {
		select {
		case <-c.stopCh:
			return
		default:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-c.stopCh:
				default:
					log.Printf("Deepgram read error: %v", err)
				}
				return
			}
			c.processMessage(message)
		}
	}
}

// peekType extracts the type discriminator without decoding the full payload.
func peekType(message []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return ""
	}
	return head.Type
}

func (c *LiveClient) processMessage(message []byte) {
	msgType := peekType(message)
	switch msgType {
	case "Results":
		var msg resultsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling Results message: %v", err)
			return
		}
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		if msg.IsFinal {
			// committed fragments are never dropped; every recognized word
			// must reach the turn controller
			select {
			case <-c.stopCh:
				return
			default:
			}
			select {
			case c.finals <- text:
			case <-c.stopCh:
			}
		} else {
			select {
			case c.interims <- text:
			default:
			}
		}
		if msg.SpeechFinal {
			c.signalUtteranceEnd()
		}
	case "UtteranceEnd":
		// fires when speech_final was missed (e.g. background noise kept
		// endpointing from triggering)
		var msg utteranceEndMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Error unmarshaling UtteranceEnd message: %v", err)
			return
		}
		c.signalUtteranceEnd()
	case "Metadata":
		var msg metadataMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("Deepgram session metadata: request=%s", msg.RequestID)
	case "SpeechStarted":
		// informational only; barge-in keys off recognized text length
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		log.Printf("Deepgram error: %s %s", msg.Description, msg.Message)
	default:
		log.Printf("Unknown Deepgram message type: %s", msgType)
	}
}

func (c *LiveClient) signalUtteranceEnd() {
	select {
	case c.uttEnds <- struct{}{}:
	default:
	}
}

func (c *LiveClient) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in Deepgram writeLoop: %v", r)
		}
	}()
	for {
		select {
		case <-c.stopCh:
			return
		case frame, ok := <-c.audio:
			if !ok {
				return
			}
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Printf("Error sending audio to Deepgram: %v", err)
					return
				}
			}
		}
	}
}

func (c *LiveClient) keepaliveLoop() {
	ticker := time.NewTicker(KEEPALIVE_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}
