package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/claimlens/claimlens/internal/httputil"
)

// OllamaProvider talks to the /api/generate endpoint of a local Ollama
// server. It is the default arbiter backend: bill text never leaves the
// machine.
type OllamaProvider struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaProvider returns a provider for the given base endpoint
// (e.g. http://127.0.0.1:11434) and model. A zero timeout uses the
// sidecar default.
func NewOllamaProvider(endpoint, model string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		endpoint: endpoint,
		model:    model,
		client:   httputil.NewSidecarClient(timeout),
	}
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  any            `json:"format,omitempty"`
	Options *ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Complete sends one prompt and returns the model's response.
func (p *OllamaProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	oreq := ollamaRequest{
		Model:  p.model,
		System: req.System,
		Prompt: req.Prompt,
		Stream: false,
	}
	if req.JSONOnly {
		oreq.Format = "json"
	}
	oreq.Options = &ollamaOptions{Temperature: req.temperature()}
	if req.MaxTokens > 0 {
		oreq.Options.NumPredict = req.MaxTokens
	}

	body, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama returned status %d: %s",
			resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var parsed ollamaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse ollama response: %w", err)
	}

	stopReason := "end_turn"
	if parsed.DoneReason == "length" {
		stopReason = "max_tokens"
	}
	return &CompletionResponse{
		Content:    parsed.Response,
		StopReason: stopReason,
		Usage: Usage{
			InputTokens:  parsed.PromptEvalCount,
			OutputTokens: parsed.EvalCount,
		},
	}, nil
}
