// Package rtc is the browser call console: a pion peer connection carrying
// mic audio in and synthesized agent audio out, with a control data channel
// for barge-in.
package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// sttChunkBytes is how much decoded PCM is batched per transcription send:
// 100ms of 48kHz mono 16-bit audio.
const sttChunkBytes = 9600

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Listener is the live transcription client fed decoded mic audio.
type Listener interface {
	Connect() error
	SendAudio(frame []byte) error
	Close() error
	Finals() <-chan string
	Interims() <-chan string
	UtteranceEnds() <-chan struct{}
}

// ListenerFactory builds one Listener per console call.
type ListenerFactory func() (Listener, error)

// CallSession is the per-call conversation controller. Committed transcript
// fragments land in OnTranscriptDelta; interim hypotheses only arm barge-in.
type CallSession interface {
	Start(ctx context.Context) error
	OnTranscriptDelta(text string)
	OnInterimHypothesis(text string)
	OnUtteranceEnd()
	Interrupt()
	Close(ctx context.Context) error
}

// SessionFactory builds the controller for one console call. The Console is
// the call's outbound audio path.
type SessionFactory func(ctx context.Context, console *Console) (CallSession, error)

// Console adapts the paced opus writer to the controller's transport and
// audio-sink contracts.
type Console struct {
	paced     *OpusPacedWriter
	ready     chan struct{}
	readyOnce sync.Once
}

func newConsole(paced *OpusPacedWriter) *Console {
	return &Console{paced: paced, ready: make(chan struct{})}
}

func (c *Console) markReady() { c.readyOnce.Do(func() { close(c.ready) }) }

func (c *Console) Ready() <-chan struct{} { return c.ready }

// ClearPlayback drops queued agent audio immediately.
func (c *Console) ClearPlayback() { c.paced.Reset() }

// WriteAudio forwards 48kHz PCM to the paced opus writer.
func (c *Console) WriteAudio(chunk []byte) error { return c.paced.WriteAudio(chunk) }

// Handler manages WebRTC peer connections for the call console.
type Handler struct {
	newListener ListenerFactory
	newSession  SessionFactory
}

func NewHandler(newListener ListenerFactory, newSession SessionFactory) *Handler {
	return &Handler{newListener: newListener, newSession: newSession}
}

// HandleOffer accepts an SDP offer and returns an SDP answer with ICE
// gathering complete, for clients that do not trickle.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()
	pc, outTrack, err := h.createPeer("")
	if err != nil {
		return SessionDescription{}, err
	}

	h.attachMediaHandlers(callID, pc, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// createPeer prepares a PeerConnection with default codecs and interceptors
// and an outbound agent audio track.
func (h *Handler) createPeer(iceServersJSON string) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// attachMediaHandlers wires the mic track, the control channel, and the
// conversation session to a peer connection.
func (h *Handler) attachMediaHandlers(callID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	var sessPtr atomic.Pointer[CallSession]
	var pacedPtr atomic.Pointer[OpusPacedWriter]

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", callID, state.String())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] Control channel opened", callID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				if s := sessPtr.Load(); s != nil {
					(*s).Interrupt()
				}
				if p := pacedPtr.Load(); p != nil {
					p.Reset()
				}
			}
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] Opus encoder error: %v", callID, err)
			return
		}
		pacedPtr.Store(paced)

		console := newConsole(paced)
		console.markReady()

		listener, err := h.newListener()
		if err != nil {
			log.Printf("[%s] Listener setup failed: %v", callID, err)
			return
		}
		if err := listener.Connect(); err != nil {
			log.Printf("[%s] Listener connect failed: %v", callID, err)
			return
		}

		dec, err := opus.NewDecoder(48000, 1)
		if err != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, err)
			return
		}

		ctxSess, cancelSess := context.WithCancel(context.Background())
		sess, err := h.newSession(ctxSess, console)
		if err != nil {
			log.Printf("[%s] Session setup failed: %v", callID, err)
			cancelSess()
			return
		}
		sessPtr.Store(&sess)

		go pumpTranscripts(ctxSess, listener, sess)

		if err := sess.Start(ctxSess); err != nil {
			log.Printf("[%s] Session start failed: %v", callID, err)
		}

		var closeOnce sync.Once
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Printf("[%s] PeerConnection state: %s", callID, state.String())
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
				closeOnce.Do(func() {
					cancelSess()
					_ = listener.Close()
					closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer closeCancel()
					if err := sess.Close(closeCtx); err != nil {
						log.Printf("[%s] Session close: %v", callID, err)
					}
					paced.FlushTail()
					time.AfterFunc(400*time.Millisecond, paced.Close)
					_ = pc.Close()
				})
			}
		})

		go func() {
			pcmBuf := make([]byte, 0, sttChunkBytes*4)
			samples := make([]int16, 5760)
			for {
				pkt, _, readErr := remote.ReadRTP()
				if readErr != nil {
					return
				}
				if len(pkt.Payload) == 0 {
					continue
				}
				n, decErr := dec.Decode(pkt.Payload, samples)
				if decErr != nil {
					continue
				}
				startLen := len(pcmBuf)
				need := n * 2
				if cap(pcmBuf)-len(pcmBuf) < need {
					tmp := make([]byte, len(pcmBuf), len(pcmBuf)+need+sttChunkBytes)
					copy(tmp, pcmBuf)
					pcmBuf = tmp
				}
				pcmBuf = pcmBuf[:len(pcmBuf)+need]
				o := pcmBuf[startLen:]
				for i := 0; i < n; i++ {
					binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
				}
				for len(pcmBuf) >= sttChunkBytes {
					// copy: the listener queues the slice while pcmBuf is reused
					chunk := make([]byte, sttChunkBytes)
					copy(chunk, pcmBuf[:sttChunkBytes])
					if err := listener.SendAudio(chunk); err != nil {
						log.Printf("[%s] Forward audio: %v", callID, err)
					}
					copy(pcmBuf, pcmBuf[sttChunkBytes:])
					pcmBuf = pcmBuf[:len(pcmBuf)-sttChunkBytes]
				}
			}
		}()
	})
}

// pumpTranscripts forwards transcription events into the session until the
// call context ends. Finals accumulate into the utterance buffer, interims
// only arm barge-in, and the utterance-end signal finalizes the buffer.
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

func generateCallID() string { return time.Now().Format("0102150405.000") }
