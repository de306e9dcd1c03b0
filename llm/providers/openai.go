package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/model"
)

// ChatCompletionsProvider speaks the OpenAI chat completions format. It is
// registered twice: "openai" for the hosted API and "ollama" for local and
// self-hosted OpenAI-compatible servers.
type ChatCompletionsProvider struct {
	name       string
	defaultURL string
	apiKeyEnv  string
}

func init() {
	llm.RegisterProvider(NewOpenAIProvider())
	llm.RegisterProvider(NewOllamaProvider())
}

// NewOpenAIProvider returns the hosted OpenAI provider.
func NewOpenAIProvider() *ChatCompletionsProvider {
	return &ChatCompletionsProvider{
		name:       model.ProviderOpenAI,
		defaultURL: "https://api.openai.com/v1",
		apiKeyEnv:  "OPENAI_API_KEY",
	}
}

// NewOllamaProvider returns the provider for Ollama, vLLM and similar.
func NewOllamaProvider() *ChatCompletionsProvider {
	return &ChatCompletionsProvider{
		name:       model.ProviderOllama,
		defaultURL: "http://localhost:11434/v1",
		apiKeyEnv:  "OLLAMA_API_KEY",
	}
}

// Name returns the provider identifier.
func (p *ChatCompletionsProvider) Name() string {
	return p.name
}

// BuildURL constructs the chat completions endpoint.
func (p *ChatCompletionsProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer authentication when a key is configured.
func (p *ChatCompletionsProvider) SetHeaders(req *http.Request) {
	if apiKey := os.Getenv(p.apiKeyEnv); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// BuildRequestBody creates the chat completions request body.
func (p *ChatCompletionsProvider) BuildRequestBody(modelID string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	return json.Marshal(chatRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse returns the first choice.
func (p *ChatCompletionsProvider) ParseResponse(body []byte, _ string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in %s response", p.name)
	}

	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
