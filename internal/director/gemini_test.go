package director

import (
	"strings"
	"testing"
	"time"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

func TestParseVerdict_NeedsAttention(t *testing.T) {
	cand, err := parseVerdict(`{"needs_attention":true,"tier":"smart","token_budget":150,"reason":"unspoken_worry","guidance":"ask what is on her mind"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cand == nil {
		t.Fatalf("expected candidate")
	}
	if cand.Tier != guidance.TierSmart || cand.TokenBudget != 150 || cand.Reason != "unspoken_worry" {
		t.Fatalf("candidate = %+v", cand)
	}
}

func TestParseVerdict_NoAttentionReturnsNil(t *testing.T) {
	cand, err := parseVerdict(`{"needs_attention":false}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cand != nil {
		t.Fatalf("expected nil candidate, got %+v", cand)
	}
}

func TestParseVerdict_CodeFenceAndClamping(t *testing.T) {
	raw := "```json\n{\"needs_attention\":true,\"tier\":\"smart\",\"token_budget\":9000,\"reason\":\"\",\"guidance\":\"slow down\"}\n```"
	cand, err := parseVerdict(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cand.TokenBudget != 250 {
		t.Fatalf("budget not clamped: %d", cand.TokenBudget)
	}
	if cand.Reason != "director" {
		t.Fatalf("empty reason not defaulted: %q", cand.Reason)
	}
}

func TestParseVerdict_UnknownTierFallsBackToFast(t *testing.T) {
	cand, err := parseVerdict(`{"needs_attention":true,"tier":"huge","token_budget":100,"reason":"x","guidance":"y"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cand.Tier != guidance.TierFast {
		t.Fatalf("tier = %q", cand.Tier)
	}
}

func TestParseVerdict_Garbage(t *testing.T) {
	if _, err := parseVerdict("the caller seems fine"); err == nil {
		t.Fatalf("expected error for non-JSON verdict")
	}
	if _, err := parseVerdict(""); err == nil {
		t.Fatalf("expected error for empty verdict")
	}
}

func TestRenderTranscript_SpeakerLabels(t *testing.T) {
	now := time.Now()
	out := renderTranscript([]turn.Message{
		{Role: turn.RoleUser, Text: "hello", At: now},
		{Role: turn.RoleAssistant, Text: "hi Mary", At: now},
	})
	if !strings.Contains(out, "Caller: hello") || !strings.Contains(out, "Companion: hi Mary") {
		t.Fatalf("transcript rendering wrong:\n%s", out)
	}
}
