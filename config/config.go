// Package config provides configuration management for the gateway.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file whose ${VAR} and ${VAR:-default} placeholders are expanded from the
// environment, and finally environment variable overrides. A .env file in
// the working directory is loaded into the environment first and never
// overrides variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llmgateway/internal/core"
)

// Config holds the application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Storage     StorageConfig     `yaml:"storage"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// Models seeds the model catalog. Entries replace stored descriptors
	// with the same UID.
	Models          []core.ModelDescriptor `yaml:"models"`
	ChatModel       string                 `yaml:"chat_model"`
	CompletionModel string                 `yaml:"completion_model"`

	// Tools maps a tool source name to the tools it advertises.
	Tools map[string][]core.Tool `yaml:"tools"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `yaml:"port"`
	// MasterKey, when set, is required as a bearer token on /v1 routes.
	MasterKey string `yaml:"master_key"`
	// CompletionTimeout bounds POST /v1/complete, in seconds.
	CompletionTimeout int `yaml:"completion_timeout"`
}

// HTTPConfig holds the vendor transport settings, in seconds.
type HTTPConfig struct {
	ConnectTimeout int `yaml:"connect_timeout"`
	RequestTimeout int `yaml:"request_timeout"`
	// MaxRetries bounds retries of rate-limited requests.
	MaxRetries int `yaml:"max_retries"`
	// RetryAfter is used when a 429 response carries no retry-after header.
	RetryAfter int `yaml:"retry_after"`
}

// LoggingConfig selects the log format and level.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// GatewayConfig holds request-shaping settings shared by every vendor.
type GatewayConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	// MaxTokens overrides the per-vendor response cap when positive.
	MaxTokens int `yaml:"max_tokens"`
}

// CatalogConfig selects where the model catalog is stored.
type CatalogConfig struct {
	// Type is "local" or "redis".
	Type  string      `yaml:"type"`
	Path  string      `yaml:"path"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis catalog settings.
type RedisConfig struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

// StorageConfig holds the SQLite settings.
type StorageConfig struct {
	Type       string `yaml:"type"`
	SQLitePath string `yaml:"sqlite_path"`
}

// TranscriptsConfig controls persisted stream transcripts.
type TranscriptsConfig struct {
	Enabled       bool `yaml:"enabled"`
	BufferSize    int  `yaml:"buffer_size"`
	FlushInterval int  `yaml:"flush_interval"`
	RetentionDays int  `yaml:"retention_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// vendorKeyEnv names the environment variable carrying each vendor's API key.
var vendorKeyEnv = map[core.Vendor]string{
	core.VendorOpenAI:          "OPENAI_API_KEY",
	core.VendorOpenAIResponses: "OPENAI_API_KEY",
	core.VendorAnthropic:       "ANTHROPIC_API_KEY",
	core.VendorGemini:          "GEMINI_API_KEY",
	core.VendorDeepSeek:        "DEEPSEEK_API_KEY",
	core.VendorGrok:            "XAI_API_KEY",
}

// envModels are registered for every vendor whose API key is set when the
// configuration lists no models at all.
var envModels = []core.ModelDescriptor{
	{UID: "openai", Vendor: core.VendorOpenAI, URL: "https://api.openai.com/v1/chat/completions", Model: "gpt-4o", Temperature: 7, Vision: true, FunctionCalling: true},
	{UID: "anthropic", Vendor: core.VendorAnthropic, URL: "https://api.anthropic.com/v1/messages", Model: "claude-sonnet-4-0", Temperature: 7, Vision: true, FunctionCalling: true},
	{UID: "gemini", Vendor: core.VendorGemini, URL: "https://generativelanguage.googleapis.com/v1beta", Model: "gemini-2.5-flash", Temperature: 7, Vision: true, FunctionCalling: true},
	{UID: "deepseek", Vendor: core.VendorDeepSeek, URL: "https://api.deepseek.com/chat/completions", Model: "deepseek-chat", Temperature: 7, FunctionCalling: true},
	{UID: "grok", Vendor: core.VendorGrok, URL: "https://api.x.ai/v1/chat/completions", Model: "grok-3", Temperature: 7, FunctionCalling: true},
}

func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			CompletionTimeout: 60,
		},
		HTTP: HTTPConfig{
			ConnectTimeout: 10,
			RequestTimeout: 600,
			MaxRetries:     3,
			RetryAfter:     60,
		},
		Logging: LoggingConfig{Format: "auto", Level: "info"},
		Catalog: CatalogConfig{Type: "local", Path: "data/catalog.json"},
		Storage: StorageConfig{Type: "sqlite", SQLitePath: "data/llmgateway.db"},
		Transcripts: TranscriptsConfig{
			BufferSize:    1000,
			FlushInterval: 5,
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{Endpoint: "/metrics"},
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path tries config.yaml and config/config.yaml and silently skips
// them when absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()
	if err := loadYAML(cfg, path); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyAPIKeys(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	candidates := []string{path}
	if path == "" {
		candidates = []string{"config.yaml", "config/config.yaml"}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path == "" && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", p, err)
		}
		return nil
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. Unset variables
// without a default are left as written.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDefault) {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q is not a boolean", key, v)
		}
		*dst = b
		return nil
	}

	setString("LLMGATEWAY_PORT", &cfg.Server.Port)
	setString("LLMGATEWAY_MASTER_KEY", &cfg.Server.MasterKey)
	setString("LLMGATEWAY_SYSTEM_PROMPT", &cfg.Gateway.SystemPrompt)
	setString("LLMGATEWAY_CHAT_MODEL", &cfg.ChatModel)
	setString("LLMGATEWAY_COMPLETION_MODEL", &cfg.CompletionModel)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("CATALOG_TYPE", &cfg.Catalog.Type)
	setString("CATALOG_PATH", &cfg.Catalog.Path)
	setString("SQLITE_PATH", &cfg.Storage.SQLitePath)
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Catalog.Redis.URL = v
		cfg.Catalog.Type = "redis"
	}

	return errors.Join(
		setInt("LLMGATEWAY_MAX_TOKENS", &cfg.Gateway.MaxTokens),
		setInt("LLMGATEWAY_COMPLETION_TIMEOUT", &cfg.Server.CompletionTimeout),
		setInt("HTTP_CONNECT_TIMEOUT", &cfg.HTTP.ConnectTimeout),
		setInt("HTTP_REQUEST_TIMEOUT", &cfg.HTTP.RequestTimeout),
		setInt("HTTP_MAX_RETRIES", &cfg.HTTP.MaxRetries),
		setInt("TRANSCRIPTS_RETENTION_DAYS", &cfg.Transcripts.RetentionDays),
		setBool("TRANSCRIPTS_ENABLED", &cfg.Transcripts.Enabled),
		setBool("METRICS_ENABLED", &cfg.Metrics.Enabled),
	)
}

// applyAPIKeys fills missing model API keys from the vendor key variables.
// With no configured models, one default model is added per vendor key.
func applyAPIKeys(cfg *Config) {
	if len(cfg.Models) == 0 {
		for _, m := range envModels {
			if os.Getenv(vendorKeyEnv[m.Vendor]) != "" {
				cfg.Models = append(cfg.Models, m)
			}
		}
		if cfg.ChatModel == "" && len(cfg.Models) > 0 {
			cfg.ChatModel = cfg.Models[0].UID
		}
		if cfg.CompletionModel == "" {
			cfg.CompletionModel = cfg.ChatModel
		}
	}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.APIKey != "" {
			continue
		}
		vendor := m.ResolvedVendor()
		if env, ok := vendorKeyEnv[vendor]; ok {
			m.APIKey = os.Getenv(env)
		}
	}
}

// Validate reports settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must be set"))
	}
	switch c.Catalog.Type {
	case "local", "":
	case "redis":
		if c.Catalog.Redis.URL == "" {
			errs = append(errs, errors.New("catalog.redis.url must be set for the redis catalog"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown catalog type %q", c.Catalog.Type))
	}
	uids := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.UID == "" {
			errs = append(errs, fmt.Errorf("model %q has no uid", m.Model))
			continue
		}
		if uids[m.UID] {
			errs = append(errs, fmt.Errorf("duplicate model uid %q", m.UID))
		}
		uids[m.UID] = true
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
