package turn

import "strings"

// systemPrompt assembles the per-turn system prompt: persona, subject
// profile, long-term memory lines, and the compiled guidance block.
func (s *Session) systemPrompt(guidanceText string) string {
	sub := s.cfg.Subject
	var b strings.Builder
	b.WriteString("You are Donna, a warm, patient phone companion for ")
	b.WriteString(orUnknown(sub.Name))
	b.WriteString(". Speak naturally, in short sentences suitable for being read aloud. ")
	b.WriteString("Never mention that you are an AI system unless asked directly.\n")

	if sub.Interests != "" {
		b.WriteString("\nThings they enjoy: ")
		b.WriteString(sub.Interests)
		b.WriteString("\n")
	}
	if sub.MedicalNotes != "" {
		b.WriteString("Health context (do not recite, use for awareness): ")
		b.WriteString(sub.MedicalNotes)
		b.WriteString("\n")
	}
	if len(s.cfg.MemoryContext) > 0 {
		b.WriteString("\nThings you remember from earlier calls:\n")
		for _, m := range s.cfg.MemoryContext {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
	}
	if rem := s.pendingReminderText(); rem != "" {
		b.WriteString("\nThere is a reminder to work into the conversation naturally: ")
		b.WriteString(rem)
		b.WriteString("\n")
	}
	if guidanceText != "" {
		b.WriteString("\nGuidance for this turn:\n")
		b.WriteString(guidanceText)
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Session) greetingPrompt() string {
	sub := s.cfg.Subject
	var b strings.Builder
	b.WriteString("You are Donna, a warm phone companion. Write a single short spoken greeting for ")
	b.WriteString(orUnknown(sub.Name))
	b.WriteString(" answering the phone. One or two sentences, friendly, ends with an open question.")
	if rem := s.pendingReminderText(); rem != "" {
		b.WriteString(" You are calling about: ")
		b.WriteString(rem)
	}
	return b.String()
}

func (s *Session) pendingReminderText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reminder == nil || s.reminder.Acknowledged {
		return ""
	}
	return s.reminder.Text
}

func orUnknown(name string) string {
	if strings.TrimSpace(name) == "" {
		return "an older adult"
	}
	return name
}
