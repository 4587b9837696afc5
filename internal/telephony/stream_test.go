package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dmdzco/donna2-sub004/internal/turn"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []outboundMessage
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, v.(outboundMessage))
	return nil
}

func (f *fakeConn) sent() []outboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]outboundMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

func TestWriteAudioSplitsIntoFrames(t *testing.T) {
	conn := &fakeConn{}
	ms := newMediaStream(conn)
	ms.markReady("MZ123")

	chunk := bytes.Repeat([]byte{0x7f}, 2*frameBytes+40)
	if err := ms.WriteAudio(chunk); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	msgs := conn.sent()
	if len(msgs) != 3 {
		t.Fatalf("got %d frames, want 3", len(msgs))
	}
	var total int
	for i, m := range msgs {
		if m.Event != "media" || m.StreamSid != "MZ123" {
			t.Fatalf("frame %d: event=%q streamSid=%q", i, m.Event, m.StreamSid)
		}
		raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil {
			t.Fatalf("frame %d payload: %v", i, err)
		}
		if i < 2 && len(raw) != frameBytes {
			t.Fatalf("frame %d is %d bytes, want %d", i, len(raw), frameBytes)
		}
		total += len(raw)
	}
	if total != len(chunk) {
		t.Fatalf("reassembled %d bytes, want %d", total, len(chunk))
	}
}

func TestWriteAudioBeforeStartIsNoop(t *testing.T) {
	conn := &fakeConn{}
	ms := newMediaStream(conn)

	if err := ms.WriteAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	if len(conn.sent()) != 0 {
		t.Fatal("audio sent before the start event")
	}

	select {
	case <-ms.Ready():
		t.Fatal("Ready unblocked before start")
	default:
	}
}

func TestClearPlayback(t *testing.T) {
	conn := &fakeConn{}
	ms := newMediaStream(conn)
	ms.markReady("MZ456")

	select {
	case <-ms.Ready():
	default:
		t.Fatal("Ready still blocked after start")
	}

	ms.ClearPlayback()
	msgs := conn.sent()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Event != "clear" || msgs[0].StreamSid != "MZ456" {
		t.Fatalf("clear message = %+v", msgs[0])
	}
}

func TestMarkReadyIsIdempotent(t *testing.T) {
	ms := newMediaStream(&fakeConn{})
	ms.markReady("MZ1")
	ms.markReady("MZ2")
	ms.mu.Lock()
	sid := ms.streamSID
	ms.mu.Unlock()
	if sid != "MZ1" {
		t.Fatalf("streamSID = %q, want the first start's SID", sid)
	}
}

type scriptedListener struct {
	finals   chan string
	interims chan string
	uttEnds  chan struct{}
}

func newScriptedListener() *scriptedListener {
	return &scriptedListener{
		finals:   make(chan string, 8),
		interims: make(chan string, 8),
		uttEnds:  make(chan struct{}, 8),
	}
}

func (l *scriptedListener) Connect() error                { return nil }
func (l *scriptedListener) SendAudio(frame []byte) error  { return nil }
func (l *scriptedListener) Close() error                  { return nil }
func (l *scriptedListener) Finals() <-chan string         { return l.finals }
func (l *scriptedListener) Interims() <-chan string       { return l.interims }
func (l *scriptedListener) UtteranceEnds() <-chan struct{} { return l.uttEnds }

type recordingSession struct {
	mu       sync.Mutex
	deltas   []string
	interims []string
	uttEnds  int
}

func (s *recordingSession) Start(ctx context.Context) error { return nil }
func (s *recordingSession) Close(ctx context.Context) error { return nil }

func (s *recordingSession) OnTranscriptDelta(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, text)
}

func (s *recordingSession) OnInterimHypothesis(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interims = append(s.interims, text)
}

func (s *recordingSession) OnUtteranceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uttEnds++
}

func TestPumpTranscriptsRoutesEvents(t *testing.T) {
	listener := newScriptedListener()
	session := &recordingSession{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pumpTranscripts(ctx, listener, session)
		close(done)
	}()

	listener.interims <- "how are"
	listener.finals <- "how are you today"
	listener.uttEnds <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		session.mu.Lock()
		ok := len(session.deltas) == 1 && len(session.interims) == 1 && session.uttEnds == 1
		session.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.interims) != 1 || session.interims[0] != "how are" {
		t.Fatalf("interims = %v", session.interims)
	}
	if len(session.deltas) != 1 || session.deltas[0] != "how are you today" {
		t.Fatalf("deltas = %v", session.deltas)
	}
	if session.uttEnds != 1 {
		t.Fatalf("utterance ends = %d", session.uttEnds)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit on context cancel")
	}
}

type cannedGen struct{}

func (cannedGen) Generate(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions) (string, error) {
	return "Oh dear, are you hurt?", nil
}

func (cannedGen) Stream(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions, onToken func(string)) (string, error) {
	reply := "Oh dear, are you hurt?"
	onToken(reply)
	return reply, nil
}

type nullSink struct{}

func (nullSink) Speak(ctx context.Context, text string) error { return nil }
func (nullSink) Terminate()                                   {}

// One spoken utterance arrives as cumulative interims, a committed final and
// the endpoint signal. Driven through a real controller, that sequence must
// produce exactly one user turn carrying the final text.
func TestPumpFinalizesOneUserTurn(t *testing.T) {
	listener := newScriptedListener()
	ms := newMediaStream(&fakeConn{})
	ms.markReady("MZ9")

	sess := turn.NewSession(turn.Config{
		Generator: cannedGen{},
		NewSink:   func(ctx context.Context) (turn.SpeechSink, error) { return nullSink{}, nil },
		Transport: ms,
		Streaming: true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("session start: %v", err)
	}
	defer sess.Close(context.Background())

	go pumpTranscripts(ctx, listener, sess)

	send := func(f func()) {
		f()
		time.Sleep(20 * time.Millisecond)
	}
	send(func() { listener.interims <- "i fell" })
	send(func() { listener.interims <- "i fell this morning" })
	send(func() { listener.finals <- "I fell this morning." })
	send(func() { listener.uttEnds <- struct{}{} })

	userTurns := func() []string {
		var out []string
		for _, m := range sess.Transcript() {
			if m.Role == turn.RoleUser {
				out = append(out, m.Text)
			}
		}
		return out
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(userTurns()) >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond) // give a duplicate path time to surface

	got := userTurns()
	if len(got) != 1 {
		t.Fatalf("one spoken utterance produced %d user turns: %v", len(got), got)
	}
	if got[0] != "I fell this morning." {
		t.Fatalf("user turn = %q, want the committed final text", got[0])
	}
}

func TestPumpTranscriptsExitsOnClosedChannels(t *testing.T) {
	listener := newScriptedListener()
	session := &recordingSession{}

	done := make(chan struct{})
	go func() {
		pumpTranscripts(context.Background(), listener, session)
		close(done)
	}()

	close(listener.finals)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit when the listener shut down")
	}
}
