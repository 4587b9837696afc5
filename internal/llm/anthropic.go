// Package llm provides the response generators behind the conversation loop:
// a fast OpenAI-backed tier for routine turns and a smart Anthropic-backed
// tier for turns that need more care, plus the router that picks between
// them.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dmdzco/donna2-sub004/internal/turn"
)

// AnthropicClient is the smart generation tier.
type AnthropicClient struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
	}, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions) (string, error) {
	params := c.params(system, msgs, opts)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		msg, err := c.client.Messages.New(ctx, params)
		if err != nil {
			lastErr = err
			if retryable(err) {
				continue
			}
			return "", fmt.Errorf("anthropic: %w", err)
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		return strings.TrimSpace(sb.String()), nil
	}
	return "", fmt.Errorf("anthropic: retries exhausted: %w", lastErr)
}

func (c *AnthropicClient) Stream(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions, onToken func(string)) (string, error) {
	params := c.params(system, msgs, opts)

	stream := c.client.Messages.NewStreaming(ctx, params)
	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type == "text_delta" && delta.Text != "" {
			sb.WriteString(delta.Text)
			onToken(delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func (c *AnthropicClient) params(system string, msgs []turn.Message, opts turn.GenOptions) anthropic.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 100
	}
	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == turn.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	return params
}

// retryable classifies transient failures worth another attempt: rate limits,
// server errors, timeouts and connection drops.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "529", "overloaded",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
