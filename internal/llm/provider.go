// Package llm provides the language-model providers behind the match
// arbiter: a local Ollama endpoint by default, with Claude and Gemini
// as API-backed alternatives. A Factory owns provider selection and
// per-provider circuit breakers so a dead endpoint degrades service
// instead of stalling it.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider is a single-turn completion backend. Implementations are
// stateless; the caller owns prompts and retries.
type Provider interface {
	// Name returns the provider identifier (e.g., "ollama", "claude").
	Name() string

	// Complete sends one prompt and returns the model's response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is the input for one completion turn.
type CompletionRequest struct {
	// System carries instructions and output-format rules.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens limits the response length. Zero means the provider
	// default.
	MaxTokens int

	// Temperature controls sampling randomness. Zero means the arbiter
	// default (0.1); verdicts need near-deterministic output.
	Temperature float64

	// JSONOnly asks backends that support constrained decoding to emit
	// bare JSON. Backends without the feature rely on the prompt.
	JSONOnly bool
}

// defaultTemperature applies when a request leaves Temperature unset.
const defaultTemperature = 0.1

// temperature returns the effective sampling temperature.
func (r *CompletionRequest) temperature() float64 {
	if r.Temperature > 0 {
		return r.Temperature
	}
	return defaultTemperature
}

// CompletionResponse is the model's reply for one turn.
type CompletionResponse struct {
	// Content is the raw text response.
	Content string

	// StopReason is why generation ended: "end_turn", "max_tokens".
	StopReason string

	// Usage tracks token consumption for this turn.
	Usage Usage
}

// Usage tracks token consumption across calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates usage from another turn.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// String renders a compact summary for logs.
func (u Usage) String() string {
	return fmt.Sprintf("tokens: %d in / %d out", u.InputTokens, u.OutputTokens)
}

// CleanJSONResponse strips markdown fences and surrounding prose from a
// model reply, returning the outermost JSON object. Models frequently
// wrap JSON in ```json fences or lead with a sentence before the
// payload. Input without braces comes back trimmed so the parse error
// can name what the model actually said.
func CleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
