package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RegistryConfig is the serialized form of a Registry. It is embedded in
// the service configuration under "model.registry" and may also live in a
// standalone YAML or JSON file.
type RegistryConfig struct {
	Default   string                     `yaml:"default" json:"default"`
	Endpoints map[string]*EndpointConfig `yaml:"endpoints" json:"endpoints"`
	Health    *HealthConfig              `yaml:"health,omitempty" json:"health,omitempty"`
}

// Build validates the configuration and returns a registry.
func (c *RegistryConfig) Build() (*Registry, error) {
	if c == nil || len(c.Endpoints) == 0 {
		return nil, ErrNoEndpoint
	}
	endpoints := make(map[string]*EndpointConfig, len(c.Endpoints))
	for name, ep := range c.Endpoints {
		if ep == nil {
			return nil, fmt.Errorf("endpoint %q is empty", name)
		}
		cp := *ep
		endpoints[name] = &cp
	}

	r := NewRegistry(endpoints, c.Default)
	if c.Health != nil {
		r.SetHealthConfig(*c.Health)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFromFile loads a registry from a YAML (or JSON) file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	return cfg.Build()
}

// ToConfig converts a Registry back to its serialized form.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make(map[string]*EndpointConfig, len(r.endpoints))
	for name, ep := range r.endpoints {
		cp := *ep
		endpoints[name] = &cp
	}

	r.health.mu.Lock()
	health := r.health.config
	r.health.mu.Unlock()

	return &RegistryConfig{
		Default:   r.defaultName,
		Endpoints: endpoints,
		Health:    &health,
	}
}
