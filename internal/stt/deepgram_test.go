package stt

import "testing"

func TestProcessMessage_FinalsAndSpeechFinal(t *testing.T) {
	c := NewLiveClient(LiveConfig{APIKey: "test"})
	msg := []byte(`{"type":"Results","is_final":true,"speech_final":true,` +
		`"channel":{"alternatives":[{"transcript":"hello there","confidence":0.98}]}}`)
	c.processMessage(msg)

	select {
	case got := <-c.Finals():
		if got != "hello there" {
			t.Fatalf("final fragment = %q", got)
		}
	default:
		t.Fatalf("final fragment not delivered")
	}
	select {
	case <-c.UtteranceEnds():
	default:
		t.Fatalf("speech_final did not signal utterance end")
	}
}

func TestProcessMessage_InterimGoesToInterims(t *testing.T) {
	c := NewLiveClient(LiveConfig{APIKey: "test"})
	msg := []byte(`{"type":"Results","is_final":false,"speech_final":false,` +
		`"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`)
	c.processMessage(msg)

	select {
	case <-c.Finals():
		t.Fatalf("interim delivered as final")
	default:
	}
	select {
	case got := <-c.Interims():
		if got != "hel" {
			t.Fatalf("interim = %q", got)
		}
	default:
		t.Fatalf("interim not delivered")
	}
}

func TestProcessMessage_UtteranceEndEvent(t *testing.T) {
	c := NewLiveClient(LiveConfig{APIKey: "test"})
	c.processMessage([]byte(`{"type":"UtteranceEnd","last_word_end":3.1}`))
	select {
	case <-c.UtteranceEnds():
	default:
		t.Fatalf("UtteranceEnd event not signaled")
	}
}

func TestProcessMessage_EmptyTranscriptIgnored(t *testing.T) {
	c := NewLiveClient(LiveConfig{APIKey: "test"})
	c.processMessage([]byte(`{"type":"Results","is_final":true,` +
		`"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))
	select {
	case got := <-c.Finals():
		t.Fatalf("empty transcript delivered: %q", got)
	default:
	}
}

func TestClose_LeavesResultChannelsToReader(t *testing.T) {
	c := NewLiveClient(LiveConfig{APIKey: "k"})
	c.connected = true
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	// a frame still in flight after Close is dropped, never a send on a
	// closed channel
	c.processMessage([]byte(`{"type":"Results","is_final":true,"speech_final":true,` +
		`"channel":{"alternatives":[{"transcript":"late frame","confidence":0.9}]}}`))
	select {
	case got, ok := <-c.Finals():
		if ok {
			t.Fatalf("fragment delivered after close: %q", got)
		}
		t.Fatalf("finals closed outside the read loop")
	default:
	}
	select {
	case <-c.stopCh:
	default:
		t.Fatalf("stop signal not raised by close")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := LiveConfig{APIKey: "k"}.withDefaults()
	if cfg.Model != "nova-2" || cfg.Encoding != "mulaw" || cfg.SampleRate != 8000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	custom := LiveConfig{APIKey: "k", Encoding: "linear16", SampleRate: 48000}.withDefaults()
	if custom.Encoding != "linear16" || custom.SampleRate != 48000 {
		t.Fatalf("explicit values overridden: %+v", custom)
	}
}
