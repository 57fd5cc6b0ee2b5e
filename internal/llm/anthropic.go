// Package llm adapts the Anthropic Messages API to the summarization capability.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rcliao/support-memory/internal/model"
)

const systemPrompt = `You distill technical support conversations from a factory floor chat into reusable solution records.

Read the transcript and answer with a single JSON object and nothing else:
{
  "resolved": true or false,
  "problem": "what went wrong, as the reporter experienced it",
  "solution": "the concrete fix that resolved it",
  "root_cause": "why it happened, if the thread establishes it, else empty",
  "tags": ["short lowercase topic words"],
  "severity": "critical | high | medium | low | info"
}

Set "resolved" to false and leave "solution" empty when the conversation ended without a
working fix, for example when it was escalated, abandoned or is still being investigated.
Never invent a fix that is not in the transcript.`

// Config configures the Anthropic summarizer.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// Anthropic summarizes transcripts with Claude.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a summarizer. The SDK's own retries are disabled; the
// extractor owns retry policy.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client, model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

// Summarize asks the model to separate problem from resolution.
func (a *Anthropic) Summarize(ctx context.Context, transcript string) (*model.Summary, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Transcript:\n\n" + transcript)),
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseSummary(text.String())
}

// classify marks rate limits, overload, server errors and timeouts as transient.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anthropic: %w: %w", model.ErrTransient, err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("anthropic: %w: %w", model.ErrTransient, err)
		}
	}
	return fmt.Errorf("anthropic: %w", err)
}

// ParseSummary extracts the first JSON object from a model reply.
func ParseSummary(text string) (*model.Summary, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply: %w", model.ErrValidation)
	}
	var s model.Summary
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w: %w", model.ErrValidation, err)
	}
	return &s, nil
}
