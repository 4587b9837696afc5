// Package analysis is the zero-latency, rule-based classifier run on every
// finalized user utterance. It never touches the network; the slower
// LLM-backed director lives in internal/director.
package analysis

import (
	"strings"
	"unicode"
)

// Engagement level of the caller, derived from utterance length history.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementNormal Engagement = "normal"
)

// Valence of a detected emotion.
type Valence string

const (
	ValenceNegative Valence = "negative"
	ValencePositive Valence = "positive"
)

// Emotion is one matched emotion tag with its valence.
type Emotion struct {
	Tag     string
	Valence Valence
}

// AckType distinguishes "already done" from "promised".
type AckType string

const (
	AckAcknowledged AckType = "acknowledged"
	AckConfirmed    AckType = "confirmed"
)

// AckMatch is the best reminder-acknowledgment pattern that fired.
type AckMatch struct {
	Type       AckType
	Confidence float64
	Phrase     string
}

// Signal is the result of analyzing one utterance. All fields are derived
// synchronously from pattern tables.
type Signal struct {
	HealthTags []string
	FamilyTags []string
	Emotions   []Emotion
	IsQuestion bool
	Engagement Engagement
	Ack        *AckMatch
	Guidance   string
}

// severeHealth are the subtypes that escalate straight to the smart tier.
var severeHealth = map[string]struct{}{
	"fall": {}, "dizziness": {}, "cardiovascular": {}, "pain": {},
}

// HasSevereHealth reports whether any matched health tag is a severe subtype.
func (s Signal) HasSevereHealth() bool {
	for _, t := range s.HealthTags {
		if _, ok := severeHealth[t]; ok {
			return true
		}
	}
	return false
}

// HasNegativeEmotion reports whether any matched emotion has negative valence.
func (s Signal) HasNegativeEmotion() bool {
	for _, e := range s.Emotions {
		if e.Valence == ValenceNegative {
			return true
		}
	}
	return false
}

var healthPatterns = []struct {
	tag      string
	patterns []string
}{
	{"fall", []string{"i fell", "fell down", "had a fall", "fell this", "slipped and", "fell over"}},
	{"dizziness", []string{"dizzy", "dizziness", "lightheaded", "light headed", "vertigo", "room is spinning"}},
	{"cardiovascular", []string{"chest pain", "chest hurts", "heart racing", "palpitation", "short of breath", "hard to breathe", "trouble breathing"}},
	{"pain", []string{"pain", "hurts", "hurting", "aching", "ache", "so sore"}},
	{"sleep", []string{"can't sleep", "couldn't sleep", "insomnia", "barely slept", "trouble sleeping"}},
	{"medication", []string{"medication", "medicine", "my pills", "my pill", "prescription", "my dose"}},
	{"appetite", []string{"no appetite", "not hungry", "haven't eaten", "haven't been eating", "skipped lunch", "skipped dinner"}},
	{"fatigue", []string{"exhausted", "so tired", "no energy", "worn out"}},
}

var familyPatterns = []struct {
	tag      string
	patterns []string
}{
	{"children", []string{"my daughter", "my son", "my kids", "my children"}},
	{"grandchildren", []string{"grandson", "granddaughter", "grandkids", "grandchildren", "grandbaby"}},
	{"spouse", []string{"my husband", "my wife", "my partner"}},
	{"siblings", []string{"my sister", "my brother"}},
	{"visit", []string{"came to visit", "coming to visit", "visiting me", "stopped by"}},
}

var emotionPatterns = []struct {
	tag      string
	valence  Valence
	patterns []string
}{
	{"lonely", ValenceNegative, []string{"lonely", "alone all", "no one visits", "nobody calls", "by myself all"}},
	{"sad", ValenceNegative, []string{"sad", "feeling down", "feel down", "miserable", "crying", "i miss"}},
	{"anxious", ValenceNegative, []string{"worried", "anxious", "nervous", "can't stop thinking"}},
	{"afraid", ValenceNegative, []string{"scared", "afraid", "frightened"}},
	{"frustrated", ValenceNegative, []string{"frustrated", "fed up", "annoyed", "angry"}},
	{"happy", ValencePositive, []string{"happy", "wonderful", "lovely day", "great day", "delighted"}},
	{"excited", ValencePositive, []string{"excited", "looking forward", "can't wait"}},
	{"grateful", ValencePositive, []string{"thankful", "grateful", "so kind"}},
}

// ackPatterns are ordered; ties on confidence resolve to the earlier entry.
var ackPatterns = []struct {
	phrase     string
	ackType    AckType
	confidence float64
}{
	{"already took", AckAcknowledged, 0.9},
	{"just took", AckAcknowledged, 0.85},
	{"i took my", AckAcknowledged, 0.85},
	{"i took them", AckAcknowledged, 0.8},
	{"took it this morning", AckAcknowledged, 0.8},
	{"i did take", AckAcknowledged, 0.75},
	{"yes i took", AckAcknowledged, 0.85},
	{"i'll take", AckConfirmed, 0.75},
	{"i will take", AckConfirmed, 0.75},
	{"will do", AckConfirmed, 0.72},
	{"i won't forget", AckConfirmed, 0.72},
	{"about to take", AckConfirmed, 0.7},
	{"i did", AckAcknowledged, 0.6},
	{"okay", AckConfirmed, 0.4},
}

var questionStarters = map[string]struct{}{
	"what": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"can": {}, "could": {}, "would": {}, "will": {}, "do": {}, "does": {},
	"did": {}, "is": {}, "are": {}, "was": {}, "were": {}, "should": {},
}

var minimalResponses = map[string]struct{}{
	"ok": {}, "okay": {}, "yeah": {}, "yes": {}, "no": {}, "sure": {},
	"fine": {}, "hmm": {}, "mhm": {}, "mm": {}, "uh huh": {}, "alright": {},
	"i guess": {}, "maybe": {},
}

// Analyze classifies one utterance. history carries the most recent prior
// user turns, newest last; only the last three are consulted.
func Analyze(utterance string, history []string) Signal {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	sig := Signal{Engagement: EngagementNormal}
	if lower == "" {
		sig.Engagement = EngagementLow
		return sig
	}

	for _, h := range healthPatterns {
		if matchAny(lower, h.patterns) {
			sig.HealthTags = append(sig.HealthTags, h.tag)
		}
	}
	for _, f := range familyPatterns {
		if matchAny(lower, f.patterns) {
			sig.FamilyTags = append(sig.FamilyTags, f.tag)
		}
	}
	for _, e := range emotionPatterns {
		if matchAny(lower, e.patterns) {
			sig.Emotions = append(sig.Emotions, Emotion{Tag: e.tag, Valence: e.valence})
		}
	}

	sig.IsQuestion = isQuestion(lower)
	sig.Engagement = engagementLevel(lower, history)
	sig.Ack = bestAck(lower)
	sig.Guidance = renderGuidance(sig)
	return sig
}

func matchAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func isQuestion(lower string) bool {
	if strings.HasSuffix(lower, "?") {
		return true
	}
	first := lower
	if i := strings.IndexFunc(lower, unicode.IsSpace); i > 0 {
		first = lower[:i]
	}
	_, ok := questionStarters[strings.Trim(first, ",.!")]
	return ok
}

const shortTurn = 20

func engagementLevel(lower string, history []string) Engagement {
	if _, ok := minimalResponses[strings.Trim(lower, ".!?, ")]; ok {
		return EngagementLow
	}
	if len([]rune(lower)) < 8 {
		return EngagementLow
	}
	// count short turns among the last three prior user turns
	short := 0
	n := len(history)
	for i := n - 3; i < n; i++ {
		if i < 0 {
			continue
		}
		if len([]rune(strings.TrimSpace(history[i]))) < shortTurn {
			short++
		}
	}
	if short >= 2 {
		return EngagementLow
	}
	if len([]rune(lower)) < 25 {
		return EngagementMedium
	}
	return EngagementNormal
}

// bestAck picks the highest-confidence acknowledgment pattern that fires.
// Ties break to the earlier entry in the table.
func bestAck(lower string) *AckMatch {
	var best *AckMatch
	for _, p := range ackPatterns {
		if !strings.Contains(lower, p.phrase) {
			continue
		}
		if best == nil || p.confidence > best.Confidence {
			m := AckMatch{Type: p.ackType, Confidence: p.confidence, Phrase: p.phrase}
			best = &m
		}
	}
	return best
}
