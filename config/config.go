// Package config provides configuration loading and management for moprocor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/model"
	"github.com/c360studio/moprocor/scheduler"
	"github.com/c360studio/moprocor/storage"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendKV       = "kv"
	BackendPostgres = "postgres"
)

// Queue kinds.
const (
	QueueMemory    = "memory"
	QueueJetStream = "jetstream"
)

// Config represents the complete moprocor configuration
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Updater   UpdaterConfig   `yaml:"updater"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ModelConfig configures model invocation
type ModelConfig struct {
	// ID is the model requested for plan updates. It may be a registry
	// name, a provider model id or a custom model id (empty = registry default).
	ID string `yaml:"id"`
	// Region is the AWS region of the default Bedrock endpoint
	Region string `yaml:"region"`
	// Temperature controls randomness (0.0-1.0, default: 0.4)
	Temperature float64 `yaml:"temperature"`
	// Timeout bounds one invocation, retries included
	Timeout time.Duration `yaml:"timeout"`
	// Retry is the bounded retry policy for transient failures
	Retry llm.RetryConfig `yaml:"retry"`
	// Registry lists the model endpoints (nil = a single Bedrock endpoint)
	Registry *model.RegistryConfig `yaml:"registry,omitempty"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = NATS not used)
	URL string `yaml:"url"`
	// ClientName identifies this process to the server
	ClientName string `yaml:"client_name"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	// Backend is one of memory, kv or postgres
	Backend string `yaml:"backend"`
	// DatabaseURL is the PostgreSQL DSN for the postgres backend
	DatabaseURL string `yaml:"database_url"`
	// CatalogCacheSize is the number of boxes kept in the catalog cache (0 = no cache)
	CatalogCacheSize int `yaml:"catalog_cache_size"`
}

// PromptsConfig configures the instruction template
type PromptsConfig struct {
	// TemplatePath is the instruction template file (empty = built-in)
	TemplatePath string `yaml:"template_path"`
	// Watch reloads the template when the file changes
	Watch bool `yaml:"watch"`
}

// SchedulerConfig configures background plan updates
type SchedulerConfig struct {
	Pool scheduler.Config `yaml:"pool"`
	// Queue is memory or jetstream
	Queue  string                 `yaml:"queue"`
	Stream scheduler.StreamConfig `yaml:"stream"`
}

// UpdaterConfig configures plan updaters
type UpdaterConfig struct {
	// SerializeWeeks runs updates that touch the same week one at a time
	SerializeWeeks bool `yaml:"serialize_weeks"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			ID:          "",
			Region:      "us-east-1",
			Temperature: llm.DefaultTemperature,
			Timeout:     5 * time.Minute,
			Retry:       llm.DefaultRetryConfig(),
		},
		NATS: NATSConfig{
			ClientName: "moprocor",
		},
		Store: StoreConfig{
			Backend:          BackendMemory,
			CatalogCacheSize: storage.DefaultCatalogCacheSize,
		},
		Scheduler: SchedulerConfig{
			Pool:   scheduler.DefaultConfig(),
			Queue:  QueueMemory,
			Stream: scheduler.DefaultStreamConfig(),
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Model.Timeout <= 0 {
		return fmt.Errorf("model.timeout must be positive")
	}
	if c.Model.Registry != nil {
		if _, err := c.Model.Registry.Build(); err != nil {
			return fmt.Errorf("model.registry: %w", err)
		}
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendKV:
		if c.NATS.URL == "" {
			return fmt.Errorf("store.backend kv requires nats.url")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.backend postgres requires store.database_url")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, kv, postgres (got %q)", c.Store.Backend)
	}
	if c.Store.CatalogCacheSize < 0 {
		return fmt.Errorf("store.catalog_cache_size must not be negative")
	}

	switch c.Scheduler.Queue {
	case QueueMemory:
	case QueueJetStream:
		if c.NATS.URL == "" {
			return fmt.Errorf("scheduler.queue jetstream requires nats.url")
		}
	default:
		return fmt.Errorf("scheduler.queue must be memory or jetstream (got %q)", c.Scheduler.Queue)
	}
	if c.Scheduler.Pool.Workers < 1 {
		return fmt.Errorf("scheduler.pool.workers must be at least 1")
	}
	if c.Scheduler.Pool.QueueSize < 1 {
		return fmt.Errorf("scheduler.pool.queue_size must be at least 1")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// BuildRegistry returns the model registry described by the configuration.
func (c *ModelConfig) BuildRegistry() (*model.Registry, error) {
	if c.Registry == nil {
		return model.NewDefaultRegistry(c.Region), nil
	}
	return c.Registry.Build()
}

// LoadFromFile loads configuration from a YAML file. ${VAR} and
// ${VAR:-default} references are expanded from the environment first.
func LoadFromFile(path string) (*Config, error) {
	return loadFromFile(path, os.LookupEnv)
}

func loadFromFile(path string, lookup func(string) (string, bool)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnv(string(data), lookup)), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Model
	if other.Model.ID != "" {
		c.Model.ID = other.Model.ID
	}
	if other.Model.Region != "" {
		c.Model.Region = other.Model.Region
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.Retry.MaxAttempts != 0 {
		c.Model.Retry = other.Model.Retry
	}
	if other.Model.Registry != nil {
		c.Model.Registry = other.Model.Registry
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ClientName != "" {
		c.NATS.ClientName = other.NATS.ClientName
	}

	// Store
	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.DatabaseURL != "" {
		c.Store.DatabaseURL = other.Store.DatabaseURL
	}
	if other.Store.CatalogCacheSize != 0 {
		c.Store.CatalogCacheSize = other.Store.CatalogCacheSize
	}

	// Prompts
	if other.Prompts.TemplatePath != "" {
		c.Prompts.TemplatePath = other.Prompts.TemplatePath
	}
	if other.Prompts.Watch {
		c.Prompts.Watch = true
	}

	// Scheduler
	if other.Scheduler.Pool.Workers != 0 {
		c.Scheduler.Pool.Workers = other.Scheduler.Pool.Workers
	}
	if other.Scheduler.Pool.QueueSize != 0 {
		c.Scheduler.Pool.QueueSize = other.Scheduler.Pool.QueueSize
	}
	if other.Scheduler.Pool.RunTimeout != 0 {
		c.Scheduler.Pool.RunTimeout = other.Scheduler.Pool.RunTimeout
	}
	if other.Scheduler.Queue != "" {
		c.Scheduler.Queue = other.Scheduler.Queue
	}
	if other.Scheduler.Stream.StreamName != "" {
		c.Scheduler.Stream.StreamName = other.Scheduler.Stream.StreamName
	}
	if other.Scheduler.Stream.SubjectPrefix != "" {
		c.Scheduler.Stream.SubjectPrefix = other.Scheduler.Stream.SubjectPrefix
	}
	if other.Scheduler.Stream.ConsumerName != "" {
		c.Scheduler.Stream.ConsumerName = other.Scheduler.Stream.ConsumerName
	}

	// Updater
	if other.Updater.SerializeWeeks {
		c.Updater.SerializeWeeks = true
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}
}
