package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/moprocor/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.Temperature != 0.4 {
		t.Errorf("expected default temperature 0.4, got %f", cfg.Model.Temperature)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Scheduler.Queue != QueueMemory {
		t.Errorf("expected memory queue, got %s", cfg.Scheduler.Queue)
	}
	if cfg.Updater.SerializeWeeks {
		t.Error("expected week serialization to be off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "temperature too low",
			modify:  func(c *Config) { c.Model.Temperature = -0.1 },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Model.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero timeout",
			modify:  func(c *Config) { c.Model.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Store.Backend = "mongo" },
			wantErr: true,
		},
		{
			name:    "kv without nats",
			modify:  func(c *Config) { c.Store.Backend = BackendKV },
			wantErr: true,
		},
		{
			name: "kv with nats",
			modify: func(c *Config) {
				c.Store.Backend = BackendKV
				c.NATS.URL = "nats://localhost:4222"
			},
			wantErr: false,
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Store.Backend = BackendPostgres },
			wantErr: true,
		},
		{
			name:    "jetstream queue without nats",
			modify:  func(c *Config) { c.Scheduler.Queue = QueueJetStream },
			wantErr: true,
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Scheduler.Pool.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "missing http addr",
			modify:  func(c *Config) { c.HTTP.Addr = "" },
			wantErr: true,
		},
		{
			name: "registry without default endpoint",
			modify: func(c *Config) {
				c.Model.Registry = &model.RegistryConfig{
					Default: "missing",
					Endpoints: map[string]*model.EndpointConfig{
						"local": {Provider: model.ProviderOllama, Model: "llama3"},
					},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
model:
  id: "${TEST_MODEL_ID:-amazon.nova-lite-v1:0}"
  temperature: 0.5
  timeout: 10m
  registry:
    default: local
    endpoints:
      local:
        provider: ollama
        url: "http://localhost:11434/v1"
        model: llama3
store:
  backend: postgres
  database_url: "postgres://${TEST_DB_USER}@db/moprocor"
scheduler:
  pool:
    workers: 8
  queue: jetstream
nats:
  url: "nats://test:4222"
updater:
  serialize_weeks: true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	lookup := mapLookup(map[string]string{"TEST_DB_USER": "planner"})
	cfg, err := loadFromFile(configPath, lookup)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.Model.ID != "amazon.nova-lite-v1:0" {
		t.Errorf("expected model amazon.nova-lite-v1:0, got %s", cfg.Model.ID)
	}
	if cfg.Model.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %f", cfg.Model.Temperature)
	}
	if cfg.Model.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %v", cfg.Model.Timeout)
	}
	if cfg.Store.DatabaseURL != "postgres://planner@db/moprocor" {
		t.Errorf("expected expanded database url, got %s", cfg.Store.DatabaseURL)
	}
	if cfg.Scheduler.Pool.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Scheduler.Pool.Workers)
	}
	if cfg.Scheduler.Pool.QueueSize != 256 {
		t.Errorf("expected default queue size to survive, got %d", cfg.Scheduler.Pool.QueueSize)
	}
	if !cfg.Updater.SerializeWeeks {
		t.Error("expected serialize_weeks true")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	reg, err := cfg.Model.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	if reg.Default() != "local" {
		t.Errorf("expected default endpoint local, got %s", reg.Default())
	}
}

func TestBuildRegistry_Default(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model.Region = "us-west-2"
	reg, err := cfg.Model.BuildRegistry()
	if err != nil {
		t.Fatalf("BuildRegistry() error = %v", err)
	}
	_, ep, err := reg.Resolve("")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ep.Provider != model.ProviderBedrock || ep.Region != "us-west-2" {
		t.Errorf("unexpected default endpoint %+v", ep)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Model: ModelConfig{
			ID: "override-model",
		},
		Store: StoreConfig{
			Backend: BackendKV,
		},
	}

	base.Merge(override)

	if base.Model.ID != "override-model" {
		t.Errorf("expected model override-model, got %s", base.Model.ID)
	}
	// Temperature should remain from base since override didn't set it
	if base.Model.Temperature != 0.4 {
		t.Errorf("expected temperature to remain default, got %f", base.Model.Temperature)
	}
	if base.Store.Backend != BackendKV {
		t.Errorf("expected backend kv, got %s", base.Store.Backend)
	}
	base.Merge(nil)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Model.ID = "saved-model"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Model.ID != "saved-model" {
		t.Errorf("expected model saved-model, got %s", loaded.Model.ID)
	}
	if loaded.HTTP.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", loaded.HTTP.ShutdownTimeout)
	}
}

func TestExpandEnv(t *testing.T) {
	lookup := mapLookup(map[string]string{"SET": "value", "EMPTY": ""})

	tests := []struct {
		in   string
		want string
	}{
		{"${SET}", "value"},
		{"$SET/x", "value/x"},
		{"${UNSET:-fallback}", "fallback"},
		{"${SET:-fallback}", "value"},
		{"${EMPTY:-fallback}", "fallback"},
		{"${EMPTY}", ""},
		{"${UNSET}", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in, lookup); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoader_Layers(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	userCfg := filepath.Join(home, UserConfigDir, UserConfigFile)
	if err := os.MkdirAll(filepath.Dir(userCfg), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, userCfg, "model:\n  id: user-model\nhttp:\n  addr: \":9000\"\n")
	writeFile(t, filepath.Join(project, ProjectConfigFile), "model:\n  id: project-model\n")

	l := testLoader(home, nested, map[string]string{
		"NATS_URL":                 "nats://env:4222",
		"MOPROCOR_SERIALIZE_WEEKS": "true",
	})
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.ID != "project-model" {
		t.Errorf("expected project config to win, got %s", cfg.Model.ID)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("expected user http addr, got %s", cfg.HTTP.Addr)
	}
	if cfg.NATS.URL != "nats://env:4222" {
		t.Errorf("expected NATS_URL override, got %s", cfg.NATS.URL)
	}
	if !cfg.Updater.SerializeWeeks {
		t.Error("expected MOPROCOR_SERIALIZE_WEEKS to enable serialization")
	}
}

func TestLoader_ModelEnvPrecedence(t *testing.T) {
	l := testLoader(t.TempDir(), t.TempDir(), map[string]string{
		"BEDROCK_MODEL_ID": "amazon.nova-pro-v1:0",
		"CUSTOM_MODEL_ID":  "arn:aws:bedrock:us-east-1:123:custom-model/plans",
		"AWS_REGION":       "us-east-2",
	})
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Model.ID != "arn:aws:bedrock:us-east-1:123:custom-model/plans" {
		t.Errorf("expected custom model to win, got %s", cfg.Model.ID)
	}
	if cfg.Model.Region != "us-east-2" {
		t.Errorf("expected region us-east-2, got %s", cfg.Model.Region)
	}
}

func TestLoader_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "store:\n  backend: postgres\n  database_url: ${DATABASE_URL:-postgres://localhost/moprocor}\n")

	l := testLoader(t.TempDir(), dir, nil)
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.DatabaseURL != "postgres://localhost/moprocor" {
		t.Errorf("unexpected database url %s", cfg.Store.DatabaseURL)
	}

	if _, err := l.Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestLoader_InvalidEnv(t *testing.T) {
	tests := map[string]string{
		"MOPROCOR_TEMPERATURE":     "warm",
		"MOPROCOR_WORKERS":         "many",
		"MOPROCOR_SERIALIZE_WEEKS": "maybe",
		"MOPROCOR_STORE_BACKEND":   "mongo",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			l := testLoader(t.TempDir(), t.TempDir(), map[string]string{key: value})
			if _, err := l.Load(""); err == nil {
				t.Errorf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestEnsureUserConfig(t *testing.T) {
	home := t.TempDir()
	l := testLoader(home, t.TempDir(), nil)
	if err := l.EnsureUserConfig(); err != nil {
		t.Fatalf("EnsureUserConfig() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, UserConfigDir, UserConfigFile)); err != nil {
		t.Errorf("user config not created: %v", err)
	}
	// second call keeps the existing file
	if err := l.EnsureUserConfig(); err != nil {
		t.Errorf("EnsureUserConfig() second call error = %v", err)
	}
}

func testLoader(home, cwd string, env map[string]string) *Loader {
	l := NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.envFile = ""
	l.lookup = mapLookup(env)
	l.homeDir = func() (string, error) { return home, nil }
	l.workDir = func() (string, error) { return cwd, nil }
	return l
}

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
