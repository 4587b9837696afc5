package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

type stubGen struct {
	reply string
	err   error
	calls int
}

func (g *stubGen) Generate(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions) (string, error) {
	g.calls++
	return g.reply, g.err
}

func (g *stubGen) Stream(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions, onToken func(string)) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	onToken(g.reply)
	return g.reply, nil
}

func TestRouter_TierDispatch(t *testing.T) {
	fast := &stubGen{reply: "fast"}
	smart := &stubGen{reply: "smart"}
	r := NewRouter(fast, smart, nil)

	got, err := r.Generate(context.Background(), "", nil, turn.GenOptions{Tier: guidance.TierFast})
	if err != nil || got != "fast" {
		t.Fatalf("fast tier: got %q err %v", got, err)
	}
	got, err = r.Generate(context.Background(), "", nil, turn.GenOptions{Tier: guidance.TierSmart})
	if err != nil || got != "smart" {
		t.Fatalf("smart tier: got %q err %v", got, err)
	}
}

func TestRouter_SmartFailureFallsBackToFast(t *testing.T) {
	fast := &stubGen{reply: "fast"}
	smart := &stubGen{err: errors.New("overloaded")}
	r := NewRouter(fast, smart, nil)

	got, err := r.Generate(context.Background(), "", nil, turn.GenOptions{Tier: guidance.TierSmart})
	if err != nil || got != "fast" {
		t.Fatalf("fallback: got %q err %v", got, err)
	}
	if smart.calls != 1 || fast.calls != 1 {
		t.Fatalf("calls: smart=%d fast=%d", smart.calls, fast.calls)
	}
}

func TestRouter_StreamFallbackOnlyBeforeTokens(t *testing.T) {
	fast := &stubGen{reply: "fast"}
	smart := &stubGen{err: errors.New("connect failed")}
	r := NewRouter(fast, smart, nil)

	var tokens []string
	got, err := r.Stream(context.Background(), "", nil, turn.GenOptions{Tier: guidance.TierSmart}, func(s string) {
		tokens = append(tokens, s)
	})
	if err != nil || got != "fast" {
		t.Fatalf("stream fallback: got %q err %v", got, err)
	}
	if len(tokens) != 1 || tokens[0] != "fast" {
		t.Fatalf("tokens: %v", tokens)
	}
}

func TestRouter_NoSmartConfigured(t *testing.T) {
	fast := &stubGen{reply: "fast"}
	r := NewRouter(fast, nil, nil)
	got, err := r.Generate(context.Background(), "", nil, turn.GenOptions{Tier: guidance.TierSmart})
	if err != nil || got != "fast" {
		t.Fatalf("nil smart: got %q err %v", got, err)
	}
}

func TestRetryableClassification(t *testing.T) {
	if !retryable(errors.New("429 too many requests")) {
		t.Fatalf("rate limit should be retryable")
	}
	if !retryable(errors.New("context deadline exceeded")) {
		t.Fatalf("timeout should be retryable")
	}
	if retryable(errors.New("401 unauthorized")) {
		t.Fatalf("auth failure should not be retryable")
	}
	if retryable(nil) {
		t.Fatalf("nil error should not be retryable")
	}
}
