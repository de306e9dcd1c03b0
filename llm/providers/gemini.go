package providers

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/model"
)

// GeminiGenerator is satisfied by (*genai.Client).Models.
type GeminiGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiBackend calls Gemini through the genai SDK.
type GeminiBackend struct {
	models GeminiGenerator
}

// NewGeminiBackend wraps an existing generator.
func NewGeminiBackend(models GeminiGenerator) *GeminiBackend {
	return &GeminiBackend{models: models}
}

// NewGeminiBackendFromEnv creates a Gemini API client. The SDK reads
// GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGeminiBackendFromEnv(ctx context.Context) (*GeminiBackend, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiBackend(cli.Models), nil
}

// Name returns the provider identifier.
func (g *GeminiBackend) Name() string {
	return model.ProviderGemini
}

// Generate performs one GenerateContent call. JSON output is requested so
// the reply is a bare object.
func (g *GeminiBackend) Generate(ctx context.Context, ep *model.EndpointConfig, req llm.Request) (*llm.Response, error) {
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == "system" {
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
	}

	resp, err := g.models.GenerateContent(ctx, ep.Model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	out := &llm.Response{
		Content: resp.Text(),
		Model:   ep.Model,
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyHTTPStatus(apiErr.Code, []byte(apiErr.Message))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %w", err)
	}
	return llm.NewTransientError(fmt.Errorf("gemini: %w", err))
}
