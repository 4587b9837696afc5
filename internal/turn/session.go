// Package turn owns the per-call conversation loop: it ingests transcript
// events, decides when an utterance is done, generates and speaks replies,
// and reacts to barge-in. One Session per active call.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dmdzco/donna2-sub004/internal/analysis"
	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/segment"
)

const (
	// silence watchdog: polled every silencePoll, fires once accumulated
	// silence exceeds silenceThreshold while buffered text is non-empty.
	silencePoll      = 500 * time.Millisecond
	silenceThreshold = 1500 * time.Millisecond

	// minimum recognized-speech length that counts as barge-in.
	minInterruptRunes = 3

	// trailing transcript window handed to the generator.
	historyWindow = 20

	// reminder acknowledgment confidence gate.
	ackConfidenceGate = 0.7

	// transcripts shorter than this skip memory extraction at close.
	minExtractChars = 80

	// low-frequency safety-net analysis cadence.
	backupAnalysisEvery = 30 * time.Second

	// cached director signals older than this are treated as absent.
	directorTTL = 2 * time.Minute
)

// Config wires a Session to its collaborators. Generator, NewSink and
// Transport are required; the rest may be nil and the matching step is
// skipped.
type Config struct {
	SessionID string
	Subject   Subject
	Reminder  *Reminder

	// MemoryContext is pre-fetched long-term memory lines for the prompt.
	MemoryContext []string

	Generator ResponseGenerator
	NewSink   SinkFactory
	Transport Transport
	Director  Director
	Reminders ReminderStore
	Memories  MemoryExtractor

	// Streaming selects sentence-pipelined generation; when false the full
	// response is generated before speaking.
	Streaming bool

	// OnTurnComplete, when set, runs fire-and-forget after each completed
	// (non-interrupted) turn.
	OnTurnComplete func(user, assistant string)

	Logger *slog.Logger
}

// Session is the turn controller for one call. All mutable state is guarded
// by mu and only mutated through the event entry points below.
type Session struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	// utterance accumulation
	buf         strings.Builder
	lastDeltaAt time.Time

	// finalized utterances waiting for processing, FIFO
	queue []string

	// one drain loop at a time
	draining bool

	// per-turn interruption flag plus an abort channel so an in-flight
	// generation can be abandoned without being awaited. turnSeq identifies
	// the turn that currently owns the sink: an abandoned generation from an
	// earlier turn carries a stale sequence and its output is dropped even
	// after the interrupted flag has been reset for the next turn.
	interrupted bool
	turnAbort   chan struct{}
	turnSeq     uint64

	sink SpeechSink

	transcript []Message
	reminder   *Reminder

	// director result cache, last-write-wins by completion
	dirCand   *guidance.Candidate
	dirAt     time.Time
	dirSeq    uint64 // sequence of the cached result's dispatch
	dirNext   uint64 // next dispatch sequence
	dirTurns  int    // transcript length at last dispatch
	closed    bool
	extracted bool

	bg sync.WaitGroup
}

// NewSession builds a Session; call Start to send the greeting and begin
// turn-taking.
func NewSession(cfg Config) *Session {
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		log:      lg.With("session", cfg.SessionID),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		reminder: cfg.Reminder,
	}
}

// transition applies a state change, rejecting illegal ones. Caller holds mu.
func (s *Session) transition(to State) bool {
	legal := false
	switch s.state {
	case StateIdle:
		legal = to == StateListening
	case StateListening:
		legal = to == StateProcessing
	case StateProcessing:
		legal = to == StateSpeaking || to == StateListening
	case StateSpeaking:
		legal = to == StateListening
	}
	if !legal {
		return false
	}
	s.state = to
	return true
}

// State returns the controller's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSpeaking reports whether a speech sink is live for this session.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateSpeaking
}

// Transcript returns a copy of the conversation log.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Start generates the opening greeting while waiting for the transport to
// come up, speaks it, and enters LISTENING. Greeting generation and
// transport readiness run concurrently to minimize time-to-first-audio.
func (s *Session) Start(ctx context.Context) error {
	greetCh := make(chan string, 1)
	go func() {
		text, err := s.cfg.Generator.Generate(s.ctx, s.greetingPrompt(), nil, GenOptions{MaxTokens: 60, Tier: guidance.TierFast})
		if err != nil {
			s.log.Warn("greeting generation failed", "err", err)
			text = "Hello " + firstName(s.cfg.Subject.Name) + ", it's so nice to talk to you. How are you today?"
		}
		greetCh <- strings.TrimSpace(text)
	}()

	select {
	case <-s.cfg.Transport.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
	greeting := <-greetCh

	if greeting != "" {
		if err := s.speakAll(greeting); err != nil {
			s.log.Warn("greeting speech failed", "err", err)
		} else {
			s.appendTranscript(RoleAssistant, greeting)
		}
	}

	s.mu.Lock()
	s.transition(StateListening)
	s.mu.Unlock()

	s.bg.Add(2)
	go s.silenceWatchdog()
	go s.backupAnalysisLoop()
	return nil
}

// OnTranscriptDelta ingests one streaming transcript fragment. While the
// controller is processing or speaking, recognized speech above the noise
// threshold triggers barge-in.
func (s *Session) OnTranscriptDelta(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.buf.Len() > 0 {
		s.buf.WriteByte(' ')
	}
	s.buf.WriteString(text)
	s.lastDeltaAt = time.Now()
	busy := s.state == StateProcessing || s.state == StateSpeaking
	long := len([]rune(strings.TrimSpace(s.buf.String()))) >= minInterruptRunes
	s.mu.Unlock()

	if busy && long {
		s.Interrupt()
	}
}

// OnInterimHypothesis ingests an in-progress recognition hypothesis. Interims
// are cumulative rewrites of the same speech, so they never enter the
// utterance buffer; their only role is barge-in while the controller is
// processing or speaking.
func (s *Session) OnInterimHypothesis(text string) {
	if len([]rune(strings.TrimSpace(text))) < minInterruptRunes {
		return
	}
	s.mu.Lock()
	busy := !s.closed && (s.state == StateProcessing || s.state == StateSpeaking)
	s.mu.Unlock()
	if busy {
		s.Interrupt()
	}
}

// OnUtteranceEnd is the recognizer's explicit end-of-utterance signal.
func (s *Session) OnUtteranceEnd() {
	s.finalizeUtterance()
}

// OnFinalUtterance enqueues an already-complete utterance, bypassing the
// accumulation buffer. Used by recognizers that deliver whole finalized
// turns.
func (s *Session) OnFinalUtterance(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.enqueue(text)
}

// finalizeUtterance atomically drains the accumulation buffer into the
// processing queue, so the same text can never trigger twice.
func (s *Session) finalizeUtterance() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	s.mu.Unlock()
	if text == "" {
		return
	}
	s.enqueue(text)
}

func (s *Session) enqueue(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, text)
	start := !s.draining
	if start {
		s.draining = true
	}
	s.mu.Unlock()
	if start {
		s.bg.Add(1)
		go s.drain()
	}
}

// drain processes queued utterances strictly in arrival order. Exactly one
// drain loop runs per session.
func (s *Session) drain() {
	defer s.bg.Done()
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.draining = false
			if s.state == StateProcessing {
				s.transition(StateListening)
			}
			s.mu.Unlock()
			return
		}
		utterance := s.queue[0]
		s.queue = s.queue[1:]
		if s.state == StateListening {
			s.transition(StateProcessing)
		}
		if s.state != StateProcessing {
			// interrupted or closed mid-drain; drop back without processing
			s.queue = nil
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.interrupted = false
		s.turnAbort = make(chan struct{})
		s.turnSeq++
		s.mu.Unlock()

		s.processUtterance(utterance)

		if s.interruptedNow() {
			// interruption moved the state to LISTENING and cleared the
			// queue; anything enqueued since (the interrupting speech) is
			// picked up here rather than left stranded
			s.mu.Lock()
			if len(s.queue) > 0 && !s.closed {
				s.mu.Unlock()
				continue
			}
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

// processUtterance runs the per-turn algorithm: fast analysis, reminder
// acknowledgment, director dispatch, guidance compilation, generation and
// sentence-pipelined speech.
func (s *Session) processUtterance(utterance string) {
	sig := analysis.Analyze(utterance, s.recentUserTurns(3))

	s.checkReminderAck(sig, utterance)

	// the utterance enters the transcript before the director snapshot so
	// the analysis covers the turn that triggered it
	s.appendTranscript(RoleUser, utterance)
	s.dispatchDirector()

	g := guidance.Compile(sig, s.cachedDirector())

	system := s.systemPrompt(g.Text)
	msgs := s.trailingWindow()

	gen := s.generateTurn(system, msgs, GenOptions{MaxTokens: g.TokenBudget, Tier: g.Tier})
	if gen.err != nil {
		s.log.Warn("response generation failed", "err", gen.err, "reason", g.Reason)
		s.endTurn(false, "", "")
		return
	}
	if gen.aborted {
		return
	}
	s.endTurn(true, utterance, gen.text)
}

// interruptedNow reports the current turn's interruption flag.
func (s *Session) interruptedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

type turnResult struct {
	text    string
	err     error
	aborted bool
}

// generateTurn runs the generator and pipes sentences to the speech sink as
// they complete. If the turn is interrupted the generation keeps running in
// the background with its output discarded, and generateTurn returns
// immediately with aborted set.
func (s *Session) generateTurn(system string, msgs []Message, opts GenOptions) turnResult {
	s.mu.Lock()
	abort := s.turnAbort
	seq := s.turnSeq
	s.mu.Unlock()

	done := make(chan turnResult, 1)
	go func() {
		var out turnResult
		if s.cfg.Streaming {
			var pending string
			out.text, out.err = s.cfg.Generator.Stream(s.ctx, system, msgs, opts, func(delta string) {
				pending += delta
				complete, rest := segment.Feed(pending)
				pending = rest
				for _, sentence := range complete {
					s.speakSentence(seq, sentence)
				}
			})
			if out.err == nil {
				if tail := strings.TrimSpace(pending); tail != "" {
					s.speakSentence(seq, tail)
				}
			}
		} else {
			out.text, out.err = s.cfg.Generator.Generate(s.ctx, system, msgs, opts)
			if out.err == nil {
				for _, sentence := range chunkSentences(out.text) {
					s.speakSentence(seq, sentence)
				}
			}
		}
		s.closeSink(seq)
		done <- out
	}()

	select {
	case out := <-done:
		return out
	case <-abort:
		return turnResult{aborted: true}
	}
}

// speakSentence delivers one completed sentence to the sink, creating it on
// first use (PROCESSING -> SPEAKING). Ownership is re-checked before every
// sentence: the interrupted flag covers barge-in within the current turn, the
// sequence check drops output from an abandoned earlier turn whose generation
// is still streaming.
func (s *Session) speakSentence(seq uint64, sentence string) {
	s.mu.Lock()
	if s.interrupted || s.closed || s.turnSeq != seq {
		s.mu.Unlock()
		return
	}
	sink := s.sink
	if sink == nil {
		s.mu.Unlock()
		created, err := s.cfg.NewSink(s.ctx)
		if err != nil {
			s.log.Warn("speech sink unavailable", "err", err)
			return
		}
		s.mu.Lock()
		if s.interrupted || s.closed || s.turnSeq != seq {
			s.mu.Unlock()
			created.Terminate()
			return
		}
		s.sink = created
		sink = created
		s.transition(StateSpeaking)
	}
	s.mu.Unlock()

	if err := sink.Speak(s.ctx, sentence); err != nil {
		s.log.Warn("speech sink error", "err", err)
		s.closeSink(seq)
	}
}

// closeSink tears down the live sink, but only while the given turn still
// owns it; an abandoned turn must never terminate its successor's sink.
func (s *Session) closeSink(seq uint64) {
	s.mu.Lock()
	if s.turnSeq != seq {
		s.mu.Unlock()
		return
	}
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	if sink != nil {
		sink.Terminate()
	}
}

// endTurn finalizes a completed (or failed) turn and returns to LISTENING.
// The interrupted flag is checked one last time before the assistant turn is
// logged: an interruption landing after the final token still discards it.
func (s *Session) endTurn(ok bool, user, assistant string) {
	if s.interruptedNow() {
		return
	}
	if ok && strings.TrimSpace(assistant) != "" {
		s.appendTranscript(RoleAssistant, assistant)
		if s.cfg.OnTurnComplete != nil {
			cb := s.cfg.OnTurnComplete
			s.bg.Add(1)
			go func() {
				defer s.bg.Done()
				cb(user, assistant)
			}()
		}
	}
	s.mu.Lock()
	if s.state == StateSpeaking || s.state == StateProcessing {
		s.transition(StateListening)
	}
	s.mu.Unlock()
}

// Interrupt is the barge-in path: terminate the sink hard, clear transport
// playback and stale queued utterances, and drop to LISTENING. The in-flight
// generation keeps running in the background; its output is discarded via
// the interrupted flag. Interrupting while idle or listening is a no-op.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.state != StateProcessing && s.state != StateSpeaking {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	if s.turnAbort != nil {
		close(s.turnAbort)
		s.turnAbort = nil
	}
	s.queue = nil
	sink := s.sink
	s.sink = nil
	s.state = StateListening
	s.mu.Unlock()

	if sink != nil {
		sink.Terminate()
	}
	s.cfg.Transport.ClearPlayback()
	s.log.Info("barge-in: playback cleared")
}

// checkReminderAck marks the pending reminder acknowledged when the fast
// signal clears the confidence gate. Runs before generation, never blocking
// it.
func (s *Session) checkReminderAck(sig analysis.Signal, utterance string) {
	s.mu.Lock()
	rem := s.reminder
	if rem == nil || rem.Acknowledged || sig.Ack == nil || sig.Ack.Confidence < ackConfidenceGate {
		s.mu.Unlock()
		return
	}
	rem.Acknowledged = true
	ackType := string(sig.Ack.Type)
	id := rem.ID
	s.mu.Unlock()

	if s.cfg.Reminders == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.cfg.Reminders.MarkAcknowledged(s.ctx, id, ackType, utterance); err != nil {
			s.log.Warn("reminder ack write failed", "err", err, "reminder", id)
		}
	}()
}

// dispatchDirector kicks off the slow per-turn analysis without awaiting it.
// The result lands in the cache for the following turn; a result from an
// older dispatch never overwrites a newer one.
func (s *Session) dispatchDirector() {
	if s.cfg.Director == nil {
		return
	}
	s.mu.Lock()
	s.dirNext++
	seq := s.dirNext
	s.dirTurns = len(s.transcript)
	snapshot := make([]Message, len(s.transcript))
	copy(snapshot, s.transcript)
	s.mu.Unlock()

	go func() {
		cand, err := s.cfg.Director.Analyze(s.ctx, snapshot)
		if err != nil {
			s.log.Debug("director analysis failed", "err", err)
			return
		}
		s.mu.Lock()
		if seq >= s.dirSeq {
			s.dirSeq = seq
			s.dirCand = cand
			s.dirAt = time.Now()
		}
		s.mu.Unlock()
	}()
}

// cachedDirector returns the last director result, or nil when none has
// landed or the cached one has gone stale.
func (s *Session) cachedDirector() *guidance.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirCand == nil || time.Since(s.dirAt) > directorTTL {
		return nil
	}
	return s.dirCand
}

// silenceWatchdog finalizes the buffered utterance after sustained silence.
func (s *Session) silenceWatchdog() {
	defer s.bg.Done()
	ticker := time.NewTicker(silencePoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.state == StateListening &&
				strings.TrimSpace(s.buf.String()) != "" &&
				time.Since(s.lastDeltaAt) >= silenceThreshold
			s.mu.Unlock()
			if due {
				s.finalizeUtterance()
			}
		}
	}
}

// backupAnalysisLoop is the low-frequency safety net: if turns have landed
// since the last director dispatch and the controller is quiet, run one.
func (s *Session) backupAnalysisLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(backupAnalysisEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := s.state == StateListening && len(s.transcript) > s.dirTurns
			s.mu.Unlock()
			if stale {
				s.dispatchDirector()
			}
		}
	}
}

// Close tears the session down: timers cancelled, sink terminated, pending
// reminder closed out, and the one-shot memory extraction run synchronously.
// Safe to call more than once; extraction happens exactly once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.queue = nil
	sink := s.sink
	s.sink = nil
	if s.turnAbort != nil {
		close(s.turnAbort)
		s.turnAbort = nil
	}
	s.state = StateIdle
	rem := s.reminder
	doExtract := !s.extracted && transcriptChars(s.transcript) >= minExtractChars
	if doExtract {
		s.extracted = true
	}
	transcript := make([]Message, len(s.transcript))
	copy(transcript, s.transcript)
	s.mu.Unlock()

	s.cancel()
	if sink != nil {
		sink.Terminate()
	}

	if !alreadyClosed && rem != nil && !rem.Acknowledged && s.cfg.Reminders != nil {
		if err := s.cfg.Reminders.MarkEndedWithoutAcknowledgment(ctx, rem.ID); err != nil {
			s.log.Warn("reminder close-out failed", "err", err, "reminder", rem.ID)
		}
	}

	if doExtract && s.cfg.Memories != nil {
		if err := s.cfg.Memories.ExtractFromTranscript(ctx, s.cfg.Subject.ID, transcript); err != nil {
			s.log.Warn("memory extraction failed", "err", err)
		}
	}
	return nil
}

func (s *Session) appendTranscript(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.transcript = append(s.transcript, Message{Role: role, Text: text, At: time.Now()})
}

// recentUserTurns returns the last n user entries before the current one.
func (s *Session) recentUserTurns(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for i := len(s.transcript) - 1; i >= 0 && len(out) < n; i-- {
		if s.transcript[i].Role == RoleUser {
			out = append(out, s.transcript[i].Text)
		}
	}
	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// trailingWindow returns the last historyWindow transcript entries.
func (s *Session) trailingWindow() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := 0
	if len(s.transcript) > historyWindow {
		start = len(s.transcript) - historyWindow
	}
	out := make([]Message, len(s.transcript)-start)
	copy(out, s.transcript[start:])
	return out
}

func transcriptChars(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Text)
	}
	return total
}

// speakAll speaks a full text (used for the greeting) through a fresh sink.
func (s *Session) speakAll(text string) error {
	sink, err := s.cfg.NewSink(s.ctx)
	if err != nil {
		return err
	}
	defer sink.Terminate()
	for _, sentence := range chunkSentences(text) {
		if err := sink.Speak(s.ctx, sentence); err != nil {
			return err
		}
	}
	return nil
}

// chunkSentences splits fully-formed text for the blocking speech path.
func chunkSentences(text string) []string {
	complete, rest := segment.Feed(text)
	if tail := strings.TrimSpace(rest); tail != "" {
		complete = append(complete, tail)
	}
	return complete
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}
