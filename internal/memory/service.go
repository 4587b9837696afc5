package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/store"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

const maxFactsPerCall = 8

const extractionPrompt = `You extract durable personal facts from a phone call transcript with an elderly person.
Return a JSON array, nothing else. Each element: {"category": "family"|"health"|"interests"|"life"|"general", "content": "one self-contained fact"}.
Only include facts worth remembering for future calls: names, relationships, health changes, upcoming events, strong preferences.
Skip pleasantries, the weather, and anything already implied by an earlier fact. Return [] when there is nothing worth keeping.`

// Store is the persistence surface the service needs.
type Store interface {
	InsertMemories(ctx context.Context, memories []store.Memory) error
	SearchMemories(ctx context.Context, subjectID string, queryEmbedding []float32, limit int) ([]store.Memory, error)
	RecentMemories(ctx context.Context, subjectID string, limit int) ([]store.Memory, error)
}

// Service wires extraction (fast LLM + embeddings) to the store.
type Service struct {
	gen      turn.ResponseGenerator
	embedder Embedder
	store    Store
	log      *slog.Logger
}

func NewService(gen turn.ResponseGenerator, embedder Embedder, st Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{gen: gen, embedder: embedder, store: st, log: log}
}

// ExtractFromTranscript pulls facts out of a finished call and persists them
// with embeddings. Runs once per call, at close.
func (s *Service) ExtractFromTranscript(ctx context.Context, subjectID string, transcript []turn.Message) error {
	if len(transcript) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, m := range transcript {
		speaker := "Caller"
		if m.Role == turn.RoleAssistant {
			speaker = "Companion"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, m.Text)
	}

	raw, err := s.gen.Generate(ctx, extractionPrompt, []turn.Message{
		{Role: turn.RoleUser, Text: sb.String()},
	}, turn.GenOptions{MaxTokens: 500, Tier: guidance.TierFast})
	if err != nil {
		return fmt.Errorf("memory extraction: %w", err)
	}

	facts := parseFacts(raw)
	if len(facts) == 0 {
		s.log.Debug("no memorable facts in transcript", "subject", subjectID)
		return nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed facts: %w", err)
	}

	memories := make([]store.Memory, len(facts))
	for i, f := range facts {
		memories[i] = store.Memory{
			SubjectID: subjectID,
			Content:   f.Content,
			Category:  f.Category,
		}
		if i < len(vectors) {
			memories[i].Embedding = vectors[i]
		}
	}
	if err := s.store.InsertMemories(ctx, memories); err != nil {
		return fmt.Errorf("persist memories: %w", err)
	}
	s.log.Info("extracted memories", "subject", subjectID, "count", len(memories))
	return nil
}

// ContextLines returns memory content for prompt seeding. With a seed text
// it retrieves by similarity, otherwise the newest facts.
func (s *Service) ContextLines(ctx context.Context, subjectID, seed string, limit int) ([]string, error) {
	var (
		memories []store.Memory
		err      error
	)
	if strings.TrimSpace(seed) != "" {
		var vec []float32
		vec, err = s.embedder.Embed(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("embed seed: %w", err)
		}
		memories, err = s.store.SearchMemories(ctx, subjectID, vec, limit)
	} else {
		memories, err = s.store.RecentMemories(ctx, subjectID, limit)
	}
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, m.Content)
	}
	return lines, nil
}

type fact struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

var knownCategories = map[string]bool{
	"family": true, "health": true, "interests": true, "life": true, "general": true,
}

// parseFacts decodes the extraction reply, dropping empties and clamping the
// per-call fact count.
func parseFacts(raw string) []fact {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var facts []fact
	if err := json.Unmarshal([]byte(raw), &facts); err != nil {
		return nil
	}

	out := facts[:0]
	for _, f := range facts {
		f.Content = strings.TrimSpace(f.Content)
		if f.Content == "" {
			continue
		}
		if !knownCategories[f.Category] {
			f.Category = "general"
		}
		out = append(out, f)
		if len(out) == maxFactsPerCall {
			break
		}
	}
	return out
}
