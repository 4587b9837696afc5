// Package director runs the slow conversation-level analysis. It looks at
// the whole transcript rather than a single utterance and suggests how the
// next reply should be shaped. Results always apply to a later turn, never
// the one that triggered the analysis.
package director

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

const systemInstruction = `You are a conversation director for a phone companion that calls elderly people.
You observe the transcript of an ongoing call and decide whether the next reply needs special handling.
Watch for: drifting engagement, repeated topics, unspoken worry, openings to go deeper on something the caller mentioned, signs the caller wants to wind down.
Respond with JSON only, no prose, matching:
{"needs_attention": bool, "tier": "fast"|"smart", "token_budget": int, "reason": string, "guidance": string}
Set needs_attention false when the conversation is going fine; then the other fields are ignored.
token_budget is 60-250. guidance is one short directive for the companion, e.g. "gently ask what's been keeping her up at night".`

// Gemini is the production Director implementation.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Analyze reviews the transcript and returns a guidance candidate, or nil
// when the conversation needs no steering.
func (g *Gemini) Analyze(ctx context.Context, transcript []turn.Message) (*guidance.Candidate, error) {
	if len(transcript) == 0 {
		return nil, nil
	}

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: renderTranscript(transcript)}},
	}}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		},
		ResponseMIMEType: "application/json",
		MaxOutputTokens:  300,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	return parseVerdict(resp.Text())
}

func renderTranscript(transcript []turn.Message) string {
	var sb strings.Builder
	sb.WriteString("Call transcript so far:\n")
	for _, m := range transcript {
		speaker := "Caller"
		if m.Role == turn.RoleAssistant {
			speaker = "Companion"
		}
		sb.WriteString(speaker)
		sb.WriteString(": ")
		sb.WriteString(m.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

type verdict struct {
	NeedsAttention bool   `json:"needs_attention"`
	Tier           string `json:"tier"`
	TokenBudget    int    `json:"token_budget"`
	Reason         string `json:"reason"`
	Guidance       string `json:"guidance"`
}

// parseVerdict decodes the model's JSON verdict, tolerating code fences and
// clamping out-of-range budgets.
func parseVerdict(raw string) (*guidance.Candidate, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("gemini: empty verdict")
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("gemini: bad verdict %q: %w", raw, err)
	}
	if !v.NeedsAttention {
		return nil, nil
	}

	tier := guidance.TierFast
	if v.Tier == string(guidance.TierSmart) {
		tier = guidance.TierSmart
	}
	budget := v.TokenBudget
	if budget < 60 {
		budget = 60
	}
	if budget > 250 {
		budget = 250
	}
	reason := strings.TrimSpace(v.Reason)
	if reason == "" {
		reason = "director"
	}
	return &guidance.Candidate{
		Tier:        tier,
		TokenBudget: budget,
		Reason:      reason,
		Guidance:    strings.TrimSpace(v.Guidance),
	}, nil
}
