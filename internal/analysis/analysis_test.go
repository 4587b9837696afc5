package analysis

import (
	"strings"
	"testing"
)

func TestAnalyze_FallAndDizziness(t *testing.T) {
	sig := Analyze("I fell this morning and I'm a little dizzy", nil)
	if !containsTag(sig.HealthTags, "fall") {
		t.Fatalf("expected fall tag, got %v", sig.HealthTags)
	}
	if !containsTag(sig.HealthTags, "dizziness") {
		t.Fatalf("expected dizziness tag, got %v", sig.HealthTags)
	}
	if !sig.HasSevereHealth() {
		t.Fatalf("expected severe health for fall/dizziness")
	}
	if !strings.Contains(sig.Guidance, "falling") {
		t.Fatalf("expected fall guidance line, got %q", sig.Guidance)
	}
}

func TestAnalyze_EngagementLowFromHistory(t *testing.T) {
	sig := Analyze("ok", []string{"yeah", "fine"})
	if sig.Engagement != EngagementLow {
		t.Fatalf("expected low engagement, got %s", sig.Engagement)
	}
	if !strings.Contains(sig.Guidance, "open question") {
		t.Fatalf("expected open-question guidance, got %q", sig.Guidance)
	}
}

func TestAnalyze_EngagementNormalForLongTurn(t *testing.T) {
	sig := Analyze("I spent the whole afternoon out in the garden pulling weeds", []string{
		"the tomatoes are coming in nicely this year",
		"my knees were sore afterwards but it was worth it",
	})
	if sig.Engagement != EngagementNormal {
		t.Fatalf("expected normal engagement, got %s", sig.Engagement)
	}
}

func TestAnalyze_Question(t *testing.T) {
	if sig := Analyze("what time is my appointment tomorrow", nil); !sig.IsQuestion {
		t.Fatalf("expected question for interrogative start")
	}
	if sig := Analyze("my appointment is tomorrow?", nil); !sig.IsQuestion {
		t.Fatalf("expected question for trailing question mark")
	}
	if sig := Analyze("my appointment is tomorrow", nil); sig.IsQuestion {
		t.Fatalf("did not expect question")
	}
}

func TestAnalyze_AckBestMatchWins(t *testing.T) {
	sig := Analyze("yes I took my pills, I already took them with breakfast", nil)
	if sig.Ack == nil {
		t.Fatalf("expected ack match")
	}
	if sig.Ack.Confidence < 0.9 {
		t.Fatalf("expected best (highest-confidence) match, got %q at %.2f", sig.Ack.Phrase, sig.Ack.Confidence)
	}
	if sig.Ack.Type != AckAcknowledged {
		t.Fatalf("expected acknowledged type, got %s", sig.Ack.Type)
	}
}

func TestAnalyze_AckBelowGateStillReported(t *testing.T) {
	sig := Analyze("okay", nil)
	if sig.Ack == nil {
		t.Fatalf("expected a weak ack match for bare okay")
	}
	if sig.Ack.Confidence >= 0.7 {
		t.Fatalf("bare okay must stay below the gate, got %.2f", sig.Ack.Confidence)
	}
}

func TestAnalyze_NegativeEmotion(t *testing.T) {
	sig := Analyze("I've been feeling pretty lonely since the weekend", nil)
	if !sig.HasNegativeEmotion() {
		t.Fatalf("expected negative emotion, got %v", sig.Emotions)
	}
	if !strings.Contains(sig.Guidance, "empathy") {
		t.Fatalf("expected empathy guidance, got %q", sig.Guidance)
	}
}

func TestRenderGuidance_PriorityOrder(t *testing.T) {
	sig := Analyze("my chest hurts and I'm scared, can you help? ", nil)
	g := sig.Guidance
	health := strings.Index(g, "chest")
	emotion := strings.Index(g, "afraid")
	question := strings.Index(g, "directly first")
	if health < 0 || emotion < 0 || question < 0 {
		t.Fatalf("missing guidance lines: %q", g)
	}
	if !(health < emotion && emotion < question) {
		t.Fatalf("guidance lines out of priority order: %q", g)
	}
}

func containsTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}
