package generation

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// AnthropicConfig configures the Anthropic client
type AnthropicConfig struct {
	// Model name; empty uses Claude Sonnet 4
	Model string
	// APIKey falls back to ANTHROPIC_API_KEY when empty
	APIKey string
}

// AnthropicClient generates text with the Anthropic Messages API
type AnthropicClient struct {
	inner   anthropic.Client
	model   anthropic.Model
	tracker *TokenTracker
	logger  *zap.Logger
}

// NewAnthropicClient creates a client. It fails when no API key is available.
func NewAnthropicClient(cfg AnthropicConfig, logger *zap.Logger) (*AnthropicClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	return &AnthropicClient{
		inner:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		tracker: NewTokenTracker(),
		logger:  logger.Named("generation"),
	}, nil
}

// Tracker returns the token tracker for this client
func (c *AnthropicClient) Tracker() *TokenTracker {
	return c.tracker
}

// Generate makes a single Messages call and concatenates its text blocks
func (c *AnthropicClient) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	resp, err := c.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		c.tracker.AddError()
		c.logger.Error("Generation request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	c.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}

	c.logger.Debug("Generation finished",
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Int("chars", b.Len()))

	return b.String(), nil
}
