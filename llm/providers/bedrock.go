package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/model"
)

// BedrockInvoker is the subset of *bedrockruntime.Client the backend uses.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockBackend invokes Amazon Nova models, foundation or custom, through
// the Bedrock runtime InvokeModel API.
type BedrockBackend struct {
	client BedrockInvoker
}

// NewBedrockBackend wraps an existing runtime client.
func NewBedrockBackend(client BedrockInvoker) *BedrockBackend {
	return &BedrockBackend{client: client}
}

// NewBedrockBackendFromEnv builds a runtime client from the default AWS
// credential chain (environment, shared config, instance role).
func NewBedrockBackendFromEnv(ctx context.Context, region string) (*BedrockBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBedrockBackend(bedrockruntime.NewFromConfig(cfg)), nil
}

// Name returns the provider identifier.
func (b *BedrockBackend) Name() string {
	return model.ProviderBedrock
}

type novaContent struct {
	Text string `json:"text"`
}

type novaMessage struct {
	Role    string        `json:"role"`
	Content []novaContent `json:"content"`
}

type novaInferenceConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
}

type novaRequest struct {
	System          []novaContent       `json:"system,omitempty"`
	Messages        []novaMessage       `json:"messages"`
	InferenceConfig novaInferenceConfig `json:"inferenceConfig"`
}

type novaResponse struct {
	Output struct {
		Message struct {
			Content []novaContent `json:"content"`
		} `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens  int `json:"inputTokens"`
		OutputTokens int `json:"outputTokens"`
		TotalTokens  int `json:"totalTokens"`
	} `json:"usage"`
}

// BuildNovaBody renders the Nova messages request body.
func BuildNovaBody(req llm.Request) ([]byte, error) {
	body := novaRequest{
		InferenceConfig: novaInferenceConfig{
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		},
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			body.System = append(body.System, novaContent{Text: m.Content})
			continue
		}
		body.Messages = append(body.Messages, novaMessage{
			Role:    m.Role,
			Content: []novaContent{{Text: m.Content}},
		})
	}
	return json.Marshal(body)
}

// ParseNovaBody extracts output.message.content[*].text.
func ParseNovaBody(data []byte) (*llm.Response, error) {
	var resp novaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse nova response: %w", err)
	}
	if len(resp.Output.Message.Content) == 0 {
		return nil, fmt.Errorf("nova response has no content")
	}

	var text strings.Builder
	for _, c := range resp.Output.Message.Content {
		text.WriteString(c.Text)
	}
	return &llm.Response{
		Content: text.String(),
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}

// Generate performs one InvokeModel call.
func (b *BedrockBackend) Generate(ctx context.Context, ep *model.EndpointConfig, req llm.Request) (*llm.Response, error) {
	body, err := BuildNovaBody(req)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("build nova body: %w", err))
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(ep.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	resp, err := ParseNovaBody(out.Body)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}
	resp.Model = ep.Model
	return resp, nil
}

// classifyBedrockError sorts SDK errors into the llm retry classes.
// Unrecognized errors are network-level and treated as transient.
func classifyBedrockError(err error) error {
	var (
		throttled   *types.ThrottlingException
		unavailable *types.ServiceUnavailableException
		timeout     *types.ModelTimeoutException
		internal    *types.InternalServerException
		notReady    *types.ModelNotReadyException
		validation  *types.ValidationException
		denied      *types.AccessDeniedException
		notFound    *types.ResourceNotFoundException
	)

	switch {
	case errors.As(err, &throttled), errors.As(err, &unavailable),
		errors.As(err, &timeout), errors.As(err, &internal), errors.As(err, &notReady):
		return llm.NewTransientError(fmt.Errorf("bedrock: %w", err))
	case errors.As(err, &validation), errors.As(err, &denied), errors.As(err, &notFound):
		return llm.NewFatalError(fmt.Errorf("bedrock: %w", err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bedrock: %w", err)
	default:
		return llm.NewTransientError(fmt.Errorf("bedrock: %w", err))
	}
}
