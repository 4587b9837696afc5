// Package tts turns reply text into streamed audio. Vendor clients expose a
// channel-pair streaming API; Sink adapts one of them to the per-turn speech
// interface the conversation loop consumes.
package tts

import (
	"context"
	"fmt"
	"sync"
)

// Streamer produces audio for one piece of text. Both channels close when
// the stream ends; cancelling ctx aborts synthesis.
type Streamer interface {
	StreamAudio(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// AudioWriter receives synthesized audio chunks. Implemented by the
// telephony media stream and the WebRTC track writer.
type AudioWriter interface {
	WriteAudio(chunk []byte) error
}

// Sink speaks sentences through a Streamer into an AudioWriter. One Sink is
// created per assistant turn and torn down on completion or barge-in.
type Sink struct {
	streamer Streamer
	out      AudioWriter

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewSink builds a sink bound to ctx; Terminate or ctx cancellation stops
// any in-flight synthesis.
func NewSink(ctx context.Context, streamer Streamer, out AudioWriter) *Sink {
	sctx, cancel := context.WithCancel(ctx)
	return &Sink{streamer: streamer, out: out, ctx: sctx, cancel: cancel}
}

// Speak synthesizes one sentence and pushes its audio to the writer,
// blocking until the stream completes or the sink is terminated.
func (s *Sink) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	audio, errs := s.streamer.StreamAudio(s.ctx, text)
	var streamErr error
	for audio != nil || errs != nil {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			if err := s.out.WriteAudio(chunk); err != nil {
				return fmt.Errorf("tts write: %w", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		}
	}
	if streamErr != nil {
		return fmt.Errorf("tts stream: %w", streamErr)
	}
	return nil
}

// Terminate hard-stops synthesis. Safe to call concurrently with Speak and
// more than once.
func (s *Sink) Terminate() {
	s.once.Do(s.cancel)
}
