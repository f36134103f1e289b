package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort       = 8080
	defaultBackendURL = "http://localhost:1234"
	defaultTimeout    = 5 * time.Minute
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BackendConfig captures connection and authentication info for the
// OpenAI-compatible backend.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Headers Headers       `yaml:"headers"`
}

// UnmarshalYAML decodes BackendConfig, accepting timeout values in
// time.ParseDuration notation such as "90s" or "5m".
func (b *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawBackend struct {
		BaseURL string  `yaml:"base_url"`
		APIKey  string  `yaml:"api_key"`
		Model   string  `yaml:"model"`
		Timeout string  `yaml:"timeout"`
		Headers Headers `yaml:"headers"`
	}

	var raw rawBackend
	if err := value.Decode(&raw); err != nil {
		return err
	}

	b.BaseURL = raw.BaseURL
	b.APIKey = raw.APIKey
	b.Model = raw.Model
	b.Headers = raw.Headers

	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parse backend.timeout %q: %w", raw.Timeout, err)
		}
		b.Timeout = timeout
	}
	return nil
}

// Headers contains additional HTTP headers to send with backend requests.
type Headers map[string]string

// LoggingConfig controls log level and optional file output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	ToFile bool   `yaml:"to_file"`
	Dir    string `yaml:"dir"`
}

// Load reads configuration from a YAML file, or from environment variables
// when path is empty, and validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		return fromEnv()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fromEnv builds configuration from environment variables so the relay can
// run without a config file, matching its typical single-backend deployment.
func fromEnv() (Config, error) {
	cfg := Config{
		Backend: BackendConfig{
			BaseURL: os.Getenv("BACKEND_BASE_URL"),
			APIKey:  os.Getenv("BACKEND_API_KEY"),
			Model:   os.Getenv("BACKEND_MODEL"),
		},
		Logging: LoggingConfig{
			Level: os.Getenv("LOG_LEVEL"),
		},
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT %q: %w", raw, err)
		}
		cfg.Server.Port = port
	}

	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse REQUEST_TIMEOUT %q: %w", raw, err)
		}
		cfg.Backend.Timeout = timeout
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		c.Backend.BaseURL = defaultBackendURL
	}
	c.Backend.BaseURL = strings.TrimRight(c.Backend.BaseURL, "/")
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = defaultTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	parsed, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("backend.base_url is not a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend.base_url must use http or https, got %q", c.Backend.BaseURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("backend.base_url must include a host, got %q", c.Backend.BaseURL)
	}

	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive, got %s", c.Backend.Timeout)
	}

	for headerKey := range c.Backend.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn or error", c.Logging.Level)
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
