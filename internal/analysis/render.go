package analysis

import "strings"

// per-category instruction templates injected into the system prompt.
// Lines are emitted in priority order: health > family > emotion > question >
// engagement.
var healthGuidance = map[string]string{
	"fall":           "The caller mentioned falling. Ask gently whether they are hurt and whether someone can check on them.",
	"dizziness":      "The caller mentioned dizziness. Ask if they are sitting down safely and whether it is still happening.",
	"cardiovascular": "The caller mentioned chest or breathing trouble. Ask calmly how severe it is and suggest contacting their doctor if it persists.",
	"pain":           "The caller mentioned pain. Ask where it hurts and how bad it is compared to usual.",
	"sleep":          "The caller mentioned sleep trouble. Ask how they have been sleeping lately.",
	"medication":     "The caller mentioned medication. Ask whether they have been keeping up with it.",
	"appetite":       "The caller mentioned not eating well. Ask what they have had today.",
	"fatigue":        "The caller sounds tired. Ask how their energy has been this week.",
}

func renderGuidance(sig Signal) string {
	var lines []string
	for _, tag := range sig.HealthTags {
		if g, ok := healthGuidance[tag]; ok {
			lines = append(lines, g)
		}
	}
	if len(sig.FamilyTags) > 0 {
		lines = append(lines, "The caller is talking about family. Show warm interest and ask a follow-up about them by name if known.")
	}
	for _, e := range sig.Emotions {
		if e.Valence == ValenceNegative {
			lines = append(lines, "The caller sounds "+e.Tag+". Acknowledge the feeling before anything else and respond with empathy.")
			break
		}
	}
	if sig.IsQuestion {
		lines = append(lines, "The caller asked a question. Answer it directly first, then continue the conversation.")
	}
	if sig.Engagement == EngagementLow {
		lines = append(lines, "The caller is giving short answers. Ask one open question about something they enjoy.")
	}
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[")
		b.WriteString(l)
		b.WriteString("]")
	}
	return b.String()
}
