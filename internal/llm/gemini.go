package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/claimlens/claimlens/internal/secrets"
)

// GeminiModel is the Google model used for arbitration.
const GeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider using the Google AI API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider using the configured
// google_api_key. Returns a guidance error when no key is set.
func NewGeminiProvider(ctx context.Context) (*GeminiProvider, error) {
	apiKey, err := secrets.Get("google_api_key")
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: GeminiModel}, nil
}

// Name returns the provider identifier.
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Close releases the Gemini client resources.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

// Complete sends one prompt and returns the model's response.
func (p *GeminiProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := p.client.GenerativeModel(p.model)
	configureGeminiModel(model, req)

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return geminiResponse(resp), nil
}

func configureGeminiModel(model *genai.GenerativeModel, req *CompletionRequest) {
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	model.SetTemperature(float32(req.temperature()))
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		model.MaxOutputTokens = &v
	}
	if req.JSONOnly {
		model.ResponseMIMEType = "application/json"
	}
}

func geminiResponse(resp *genai.GenerateContentResponse) *CompletionResponse {
	result := &CompletionResponse{StopReason: "end_turn"}
	if resp == nil || len(resp.Candidates) == 0 {
		return result
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				result.Content += string(text)
			}
		}
	}
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		result.StopReason = "max_tokens"
	}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return result
}
