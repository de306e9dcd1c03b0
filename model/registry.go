// Package model resolves model identifiers to service endpoints and tracks
// endpoint health so a failing service is skipped until it recovers.
package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoEndpoint is returned when neither the requested model nor a default
// endpoint is configured.
var ErrNoEndpoint = errors.New("no model endpoint configured")

// Provider names understood by the llm package.
const (
	ProviderBedrock   = "bedrock"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
)

// DefaultBedrockModel is the foundation model used when nothing else is
// configured.
const DefaultBedrockModel = "amazon.nova-pro-v1:0"

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (bedrock, gemini, anthropic, ollama, openai).
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL for HTTP providers.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Region is the cloud region for SDK providers.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Model is the identifier sent to the provider.
	Model string `yaml:"model" json:"model"`

	// MaxTokens caps the generated output. 0 uses the provider default.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Registry maps model names to endpoints.
type Registry struct {
	mu          sync.RWMutex
	endpoints   map[string]*EndpointConfig
	defaultName string
	health      *healthState
}

// NewRegistry creates a registry. defaultName must name one of endpoints
// for Resolve to accept unknown model identifiers.
func NewRegistry(endpoints map[string]*EndpointConfig, defaultName string) *Registry {
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}
	return &Registry{
		endpoints:   endpoints,
		defaultName: defaultName,
		health:      newHealthState(DefaultHealthConfig()),
	}
}

// NewDefaultRegistry returns a registry with a single Bedrock endpoint.
func NewDefaultRegistry(region string) *Registry {
	if region == "" {
		region = "us-east-1"
	}
	return NewRegistry(map[string]*EndpointConfig{
		"nova-pro": {
			Provider: ProviderBedrock,
			Region:   region,
			Model:    DefaultBedrockModel,
		},
	}, "nova-pro")
}

// Default returns the default model name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Resolve maps a model identifier to an endpoint. An empty id selects the
// default. The id may be a registry name or a provider model id; anything
// else is treated as a custom model served by the default endpoint's
// provider. The returned name is the key used for health tracking.
func (r *Registry) Resolve(id string) (string, EndpointConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultName
	}
	if ep, ok := r.endpoints[id]; ok {
		return id, *ep, nil
	}
	for name, ep := range r.endpoints {
		if ep.Model == id {
			return name, *ep, nil
		}
	}

	def, ok := r.endpoints[r.defaultName]
	if !ok {
		return "", EndpointConfig{}, fmt.Errorf("%w: %q", ErrNoEndpoint, id)
	}
	custom := *def
	custom.Model = id
	return id, custom, nil
}

// GetEndpoint returns the endpoint configuration for a model name.
// Returns nil if the model is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ep, ok := r.endpoints[name]; ok {
		cp := *ep
		return &cp
	}
	return nil
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[name] = cfg
}

// SetDefault sets the default model name.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers returns the distinct providers referenced by the endpoints.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, ep := range r.endpoints {
		if !seen[ep.Provider] {
			seen[ep.Provider] = true
			out = append(out, ep.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks that the default endpoint exists and every endpoint names
// a provider and a model.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.endpoints[r.defaultName]; !ok {
		return fmt.Errorf("default model %q has no endpoint", r.defaultName)
	}
	for name, ep := range r.endpoints {
		if ep.Provider == "" {
			return fmt.Errorf("endpoint %q: provider is required", name)
		}
		if ep.Model == "" {
			return fmt.Errorf("endpoint %q: model is required", name)
		}
	}
	return nil
}
