package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "moprocor.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/moprocor"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvFile is loaded into the environment before anything else
	EnvFile = ".env"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	lookup  func(string) (string, bool)
	envFile string
	homeDir func() (string, error)
	workDir func() (string, error)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:  logger,
		lookup:  os.LookupEnv,
		envFile: EnvFile,
		homeDir: os.UserHomeDir,
		workDir: os.Getwd,
	}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/moprocor/config.yaml)
// 3. Project config (moprocor.yaml in current or parent directories), or
// explicitPath when it is set
// 4. Environment variables, after .env has been loaded
func (l *Loader) Load(explicitPath string) (*Config, error) {
	l.loadEnvFile()

	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.userConfigPath(); userConfigPath != "" {
		if userConfig, err := loadFromFile(userConfigPath, l.lookup); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	if explicitPath != "" {
		fileConfig, err := loadFromFile(explicitPath, l.lookup)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", explicitPath))
		config.Merge(fileConfig)
	} else if projectConfigPath := l.findProjectConfig(); projectConfigPath != "" {
		if projectConfig, err := loadFromFile(projectConfigPath, l.lookup); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	if err := l.applyEnv(config); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadEnvFile loads .env without overriding variables already set.
func (l *Loader) loadEnvFile() {
	if l.envFile == "" {
		return
	}
	if err := godotenv.Load(l.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load env file", slog.String("path", l.envFile), slog.String("error", err.Error()))
		}
		return
	}
	l.logger.Debug("Loaded env file", slog.String("path", l.envFile))
}

// applyEnv overrides config fields from environment variables.
func (l *Loader) applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := l.lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("AWS_REGION", &c.Model.Region)
	str("BEDROCK_MODEL_ID", &c.Model.ID)
	// A fine-tuned model takes precedence over the foundation model.
	str("CUSTOM_MODEL_ID", &c.Model.ID)
	str("MOPROCOR_MODEL", &c.Model.ID)
	str("NATS_URL", &c.NATS.URL)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("MOPROCOR_STORE_BACKEND", &c.Store.Backend)
	str("MOPROCOR_SCHEDULER_QUEUE", &c.Scheduler.Queue)
	str("MOPROCOR_TEMPLATE_PATH", &c.Prompts.TemplatePath)
	str("MOPROCOR_HTTP_ADDR", &c.HTTP.Addr)

	if v, ok := l.lookup("MOPROCOR_TEMPERATURE"); ok && v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MOPROCOR_TEMPERATURE: %w", err)
		}
		c.Model.Temperature = t
	}
	if v, ok := l.lookup("MOPROCOR_WORKERS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MOPROCOR_WORKERS: %w", err)
		}
		c.Scheduler.Pool.Workers = n
	}
	if v, ok := l.lookup("MOPROCOR_SERIALIZE_WEEKS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MOPROCOR_SERIALIZE_WEEKS: %w", err)
		}
		c.Updater.SerializeWeeks = b
	}
	return nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := l.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for moprocor.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := l.workDir()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// expandEnv replaces ${VAR}, ${VAR:-default} and $VAR in s.
func expandEnv(s string, lookup func(string) (string, bool)) string {
	return os.Expand(s, func(name string) string {
		key, def, hasDefault := strings.Cut(name, ":-")
		if v, ok := lookup(key); ok && (v != "" || !hasDefault) {
			return v
		}
		return def
	})
}
