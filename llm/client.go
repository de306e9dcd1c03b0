// Package llm invokes the generative model that proposes revised production
// plans. A Client resolves the model through a model.Registry, applies a
// bounded retry policy and returns the raw text the model produced.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/moprocor/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// DefaultTemperature is the sampling temperature used for plan generation.
const DefaultTemperature = 0.4

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request is a single generation request handed to a provider.
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Prompt returns the concatenated user content of the request.
func (r Request) Prompt() string {
	var buf bytes.Buffer
	for _, m := range r.Messages {
		if m.Role == "user" {
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(m.Content)
		}
	}
	return buf.String()
}

// TokenUsage represents token consumption details for a call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains a provider's completion result.
type Response struct {
	RequestID    string
	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Invoker is the narrow surface the plan updaters depend on.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, opts ...InvokeOption) (string, error)
}

var _ Invoker = (*Client)(nil)

// Client is the model invoker. It is safe for concurrent use and meant to
// be constructed once per process.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	backends    map[string]Backend
	retryConfig RetryConfig
	timeout     time.Duration
	temperature float64
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for HTTP providers.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithTimeout bounds every invocation, retries included.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.timeout = d
	}
}

// WithDefaultTemperature overrides DefaultTemperature.
func WithDefaultTemperature(t float64) ClientOption {
	return func(client *Client) {
		client.temperature = t
	}
}

// WithBackend registers an SDK backend under its name. It takes precedence
// over an HTTP provider of the same name.
func WithBackend(b Backend) ClientOption {
	return func(client *Client) {
		client.backends[b.Name()] = b
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client over the given registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		backends:    make(map[string]Backend),
		timeout:     5 * time.Minute,
		temperature: DefaultTemperature,
		logger:      slog.Default(),
		sleep:       sleepCtx,
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.retryConfig.MaxAttempts < 1 {
		c.retryConfig.MaxAttempts = 1
	}

	return c
}

// InvokeOption customizes a single invocation.
type InvokeOption func(*invokeOptions)

type invokeOptions struct {
	model       string
	temperature *float64
	maxTokens   int
}

// WithModel selects a model by registry name or provider model id.
func WithModel(id string) InvokeOption {
	return func(o *invokeOptions) {
		o.model = id
	}
}

// WithTemperature sets the sampling temperature for this call.
func WithTemperature(t float64) InvokeOption {
	return func(o *invokeOptions) {
		o.temperature = &t
	}
}

// WithMaxTokens caps the generated output for this call.
func WithMaxTokens(n int) InvokeOption {
	return func(o *invokeOptions) {
		o.maxTokens = n
	}
}

// Invoke sends prompt to the model and returns its raw text. Every failure
// is reported as an *InvocationError.
func (c *Client) Invoke(ctx context.Context, prompt string, opts ...InvokeOption) (string, error) {
	o := invokeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.temperature == nil {
		t := c.temperature
		o.temperature = &t
	}

	name, ep, err := c.registry.Resolve(o.model)
	if err != nil {
		return "", &InvocationError{Model: o.model, Err: err}
	}
	if o.maxTokens == 0 {
		o.maxTokens = ep.MaxTokens
	}

	if !c.registry.IsEndpointAvailable(name) {
		return "", &InvocationError{Model: ep.Model, Provider: ep.Provider, Err: ErrCircuitOpen}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := Request{
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	resp, attempts, err := c.tryEndpointWithRetry(ctx, &ep, name, req)
	if err != nil {
		c.logger.Warn("Model invocation failed",
			"request_id", requestID,
			"model", ep.Model,
			"provider", ep.Provider,
			"attempts", attempts,
			"duration_ms", time.Since(startedAt).Milliseconds(),
			"error", err)
		return "", &InvocationError{Model: ep.Model, Provider: ep.Provider, Attempts: attempts, Err: err}
	}

	resp.RequestID = requestID
	c.logger.Debug("Model invocation succeeded",
		"request_id", requestID,
		"model", resp.Model,
		"provider", ep.Provider,
		"attempts", attempts,
		"tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(startedAt).Milliseconds())

	return resp.Content, nil
}

// tryEndpointWithRetry attempts a request with the bounded retry policy and
// returns the number of attempts made.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *model.EndpointConfig, name string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil && resp.Content == "" {
			err = NewTransientError(ErrEmptyResponse)
		}
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors point at configuration or the request, not endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			c.registry.MarkEndpointFailure(name)
			return nil, attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Info("Model request failed, retrying",
				"model", ep.Model,
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			if err := c.sleep(ctx, backoff); err != nil {
				c.registry.MarkEndpointFailure(name)
				return nil, attempt, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
	}

	c.registry.MarkEndpointFailure(name)
	return nil, c.retryConfig.MaxAttempts, lastErr
}

// doRequest dispatches to an SDK backend or an HTTP provider.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	if b, ok := c.backends[ep.Provider]; ok {
		return b.Generate(ctx, ep, req)
	}

	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}
	return c.doHTTPRequest(ctx, provider, ep, req)
}

// doHTTPRequest executes a single HTTP request to a provider endpoint.
func (c *Client) doHTTPRequest(ctx context.Context, provider Provider, ep *model.EndpointConfig, req Request) (*Response, error) {
	url := provider.BuildURL(ep.URL)

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending model request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		// A malformed envelope will not improve on retry.
		return nil, NewFatalError(err)
	}
	return resp, nil
}

// ClassifyHTTPStatus maps a non-200 status to a transient or fatal error.
func ClassifyHTTPStatus(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// 400, 401, 403, 404 and anything unexpected
		return NewFatalError(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsTimeout reports whether err was caused by the invocation deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
