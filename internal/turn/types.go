package turn

import (
	"context"
	"time"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
)

// State of the per-call controller. Transitions are validated by the single
// transition function; an illegal request is a no-op.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Role of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry. The transcript is append-only during the
// call and immutable after Close.
type Message struct {
	Role Role
	Text string
	At   time.Time
}

// Subject is the caller profile; opaque to the controller beyond being
// prompt input.
type Subject struct {
	ID           string
	Name         string
	Interests    string
	MedicalNotes string
}

// Reminder is the controller's view of a pending reminder delivery.
type Reminder struct {
	ID           string
	Text         string
	Acknowledged bool
}

// GenOptions bounds one response generation.
type GenOptions struct {
	MaxTokens int
	Tier      guidance.Tier
}

// ResponseGenerator wraps an LLM behind blocking and streaming calls.
// Stream invokes onToken for every delta and returns the concatenated text.
// Implementations must tolerate the caller abandoning the result: stopping
// reading is not an error.
type ResponseGenerator interface {
	Generate(ctx context.Context, system string, msgs []Message, opts GenOptions) (string, error)
	Stream(ctx context.Context, system string, msgs []Message, opts GenOptions, onToken func(string)) (string, error)
}

// SpeechSink synthesizes text into audio delivered to the transport.
// Speak blocks until the sentence's audio has been handed off or the sink is
// terminated. Terminate hard-stops synthesis, is safe to call at any time
// (including concurrently with Speak), and never reports an error.
type SpeechSink interface {
	Speak(ctx context.Context, text string) error
	Terminate()
}

// SinkFactory builds the speech sink for one speaking phase. At most one
// sink is alive per session at a time.
type SinkFactory func(ctx context.Context) (SpeechSink, error)

// Transport is the outbound audio path owned by the telephony (or WebRTC)
// layer. Ready unblocks once outbound media is accepted; ClearPlayback drops
// queued playback immediately, used on barge-in.
type Transport interface {
	Ready() <-chan struct{}
	ClearPlayback()
}

// Director is the slow, LLM-backed transcript analyzer. Invoked
// fire-and-forget once per turn; its result feeds the following turn only.
type Director interface {
	Analyze(ctx context.Context, transcript []Message) (*guidance.Candidate, error)
}

// ReminderStore records acknowledgment outcomes for a pending reminder.
type ReminderStore interface {
	MarkAcknowledged(ctx context.Context, id string, ackType string, evidence string) error
	MarkEndedWithoutAcknowledgment(ctx context.Context, id string) error
}

// MemoryExtractor consumes the final transcript exactly once at close.
type MemoryExtractor interface {
	ExtractFromTranscript(ctx context.Context, subjectID string, transcript []Message) error
}
