// Package generation provides the text generation capability agents run on.
package generation

import (
	"context"
	"errors"
	"strings"
)

// Reserved prefixes of error-shaped text returned in place of a response
const (
	APIErrorPrefix = "[API Error]"
	ErrorPrefix    = "[Error]"
)

// ErrGeneration wraps every failure of the generation capability
var ErrGeneration = errors.New("generation failed")

// Client generates text for one system/user prompt pair
type Client interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)
}

// Profile is the token budget and temperature used for one kind of call
type Profile struct {
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
}

// Default profiles per call kind
var (
	CoordinatorProfile = Profile{MaxTokens: 2000, Temperature: 0.6}
	WorkerProfile      = Profile{MaxTokens: 1500, Temperature: 0.7}
	FinalReviewProfile = Profile{MaxTokens: 3000, Temperature: 0.7}
)

// IsErrorText reports whether text is an error-shaped response
func IsErrorText(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, APIErrorPrefix) || strings.HasPrefix(trimmed, ErrorPrefix)
}

// Func adapts a function to the Client interface
type Func func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, systemPrompt, userPrompt, maxTokens, temperature)
}
