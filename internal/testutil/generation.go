package testutil

import (
	"context"
	"strings"
	"sync"
)

// Call is one recorded Generate invocation
type Call struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
}

// Responder produces the reply for one call
type Responder func(ctx context.Context, call Call) (string, error)

// ScriptedClient is a generation client driven by a Responder. It records
// every call and is safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	responder Responder
	calls     []Call
}

// NewScriptedClient creates a client answering with responder
func NewScriptedClient(responder Responder) *ScriptedClient {
	return &ScriptedClient{responder: responder}
}

// Generate records the call and returns the responder's reply
func (c *ScriptedClient) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, error) {
	call := Call{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}

	c.mu.Lock()
	c.calls = append(c.calls, call)
	responder := c.responder
	c.mu.Unlock()

	if responder == nil {
		return "", nil
	}
	return responder(ctx, call)
}

// SetResponder swaps the responder used for later calls
func (c *ScriptedClient) SetResponder(responder Responder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = responder
}

// Calls returns a copy of the recorded calls
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns the number of recorded calls
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// CallsFor counts calls whose task line contains key
func (c *ScriptedClient) CallsFor(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, call := range c.calls {
		if strings.Contains(TaskLine(call), key) {
			n++
		}
	}
	return n
}

// TaskLine returns the first line of the user prompt, which names the task
func TaskLine(call Call) string {
	line, _, _ := strings.Cut(call.UserPrompt, "\n")
	return line
}

// Route answers with the reply of the first key found in the task line,
// or fallback when none matches
func Route(routes map[string]string, fallback string) Responder {
	return func(_ context.Context, call Call) (string, error) {
		line := TaskLine(call)
		for key, reply := range routes {
			if strings.Contains(line, key) {
				return reply, nil
			}
		}
		return fallback, nil
	}
}
