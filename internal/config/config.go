// ABOUTME: Configuration loading and parsing for sidechat
// ABOUTME: YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete sidechat configuration.
type Config struct {
	Endpoint    EndpointConfig    `yaml:"endpoint"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Database    DatabaseConfig    `yaml:"database"`
	Retry       RetryConfig       `yaml:"retry"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EndpointConfig holds the completion endpoint parameters.
type EndpointConfig struct {
	URL         string  `yaml:"url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// CredentialsConfig points at the API key file.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig selects the snapshot persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "bolt".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RetryConfig overrides the session retry policy.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	StallThreshold time.Duration `yaml:"-"`
	RetryDelay     time.Duration `yaml:"-"`
	SessionCeiling time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StallThresholdRaw string `yaml:"stall_threshold"`
	RetryDelayRaw     string `yaml:"retry_delay"`
	SessionCeilingRaw string `yaml:"session_ceiling"`
}

// StoreConfig tunes snapshot size and persistence cadence.
type StoreConfig struct {
	MaxEncodedBytes int           `yaml:"max_encoded_bytes"`
	Retention       int           `yaml:"retention"`
	SaveDebounce    time.Duration `yaml:"-"`
	WatchInterval   time.Duration `yaml:"-"`

	SaveDebounceRaw  string `yaml:"save_debounce"`
	WatchIntervalRaw string `yaml:"watch_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			URL:         "https://api.deepseek.com/v1/chat/completions",
			Model:       "deepseek-chat",
			Temperature: 1.0,
			MaxTokens:   2048,
		},
		Database: DatabaseConfig{Driver: "sqlite"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that configuration fields hold usable values.
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint.url is required")
	}
	if c.Endpoint.Model == "" {
		return fmt.Errorf("endpoint.model is required")
	}

	switch c.Database.Driver {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("database.driver must be sqlite or bolt, got %q", c.Database.Driver)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"retry.stall_threshold", cfg.Retry.StallThresholdRaw, &cfg.Retry.StallThreshold},
		{"retry.retry_delay", cfg.Retry.RetryDelayRaw, &cfg.Retry.RetryDelay},
		{"retry.session_ceiling", cfg.Retry.SessionCeilingRaw, &cfg.Retry.SessionCeiling},
		{"store.save_debounce", cfg.Store.SaveDebounceRaw, &cfg.Store.SaveDebounce},
		{"store.watch_interval", cfg.Store.WatchIntervalRaw, &cfg.Store.WatchInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
