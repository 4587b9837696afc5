// Package guidance merges per-turn analysis signals into the prompt guidance
// and the model-tier/token-budget decision for the next response.
package guidance

import (
	"strings"

	"github.com/dmdzco/donna2-sub004/internal/analysis"
)

// Tier selects between the cheaper fast model and the more capable one.
type Tier string

const (
	TierFast  Tier = "fast"
	TierSmart Tier = "smart"
)

const (
	defaultBudget = 100
	defaultReason = "default"
)

// Candidate is one advisory recommendation feeding the merge. A zero Tier
// means the candidate does not request a tier change.
type Candidate struct {
	Tier        Tier
	TokenBudget int
	Reason      string
	Guidance    string
}

// Guidance is the compiled per-turn result. Never persisted.
type Guidance struct {
	Text        string
	TokenBudget int
	Tier        Tier
	Reason      string
}

// Compile merges the fast signal and the cached director signal (nil when the
// director has not landed yet) under a fixed priority: the fast signal's own
// recommendation is considered first, then the director's.
//
// Tier upgrades are monotonic within a turn: the first candidate requesting
// the smart tier wins the tier decision and its reason becomes current; every
// candidate can still raise the token budget, and a candidate processed while
// the default reason is still in effect lends its reason.
func Compile(fast analysis.Signal, director *Candidate) Guidance {
	out := Guidance{
		Tier:        TierFast,
		TokenBudget: defaultBudget,
		Reason:      defaultReason,
	}

	candidates := make([]*Candidate, 0, 2)
	candidates = append(candidates, fastCandidate(fast))
	candidates = append(candidates, director)

	upgraded := false
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if c.Tier == TierSmart && !upgraded {
			upgraded = true
			out.Tier = TierSmart
			if c.TokenBudget > out.TokenBudget {
				out.TokenBudget = c.TokenBudget
			}
			if c.Reason != "" {
				out.Reason = c.Reason
			}
			continue
		}
		if c.TokenBudget > out.TokenBudget {
			out.TokenBudget = c.TokenBudget
		}
		if out.Reason == defaultReason && c.Reason != "" {
			out.Reason = c.Reason
		}
	}

	out.Text = mergeText(fast.Guidance, director)
	return out
}

// fastCandidate applies the fixed policy table for the fast signal. Rows are
// evaluated top-down; the first matching row wins. A nil return means the
// signal makes no recommendation of its own.
func fastCandidate(sig analysis.Signal) *Candidate {
	switch {
	case len(sig.HealthTags) > 0 && sig.HasSevereHealth():
		return &Candidate{Tier: TierSmart, TokenBudget: 150, Reason: "health_safety"}
	case len(sig.HealthTags) > 0:
		return &Candidate{Tier: TierSmart, TokenBudget: 120, Reason: "health_safety"}
	case sig.HasNegativeEmotion():
		return &Candidate{Tier: TierSmart, TokenBudget: 150, Reason: "emotional_support"}
	case sig.Engagement == analysis.EngagementLow:
		return &Candidate{Tier: TierSmart, TokenBudget: 120, Reason: "low_engagement"}
	case sig.IsQuestion:
		return &Candidate{Tier: TierFast, TokenBudget: 60, Reason: "simple_question"}
	case len(sig.FamilyTags) > 0:
		return &Candidate{Tier: TierFast, TokenBudget: 75, Reason: "family_warmth"}
	}
	return nil
}

func mergeText(fastText string, director *Candidate) string {
	parts := make([]string, 0, 2)
	if fastText != "" {
		parts = append(parts, fastText)
	}
	if director != nil && director.Guidance != "" {
		parts = append(parts, "["+strings.TrimSpace(director.Guidance)+"]")
	}
	return strings.Join(parts, "\n")
}
