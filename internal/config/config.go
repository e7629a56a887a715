// Package config handles YAML configuration loading with environment variable
// expansion and overlay.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	Router       RouterConfig       `yaml:"router"`
	Routing      RoutingConfig      `yaml:"routing"`
	Keys         KeysConfig         `yaml:"keys"`
	Analytics    AnalyticsConfig    `yaml:"analytics"`
	Pricing      PricingConfig      `yaml:"pricing"`
	SystemPrompt SystemPromptConfig `yaml:"system_prompt"`
	MCP          MCPConfig          `yaml:"mcp"`
	CORS         CORSConfig         `yaml:"cors"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 keeps streams open
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds the default upstream target and HTTP client settings.
type UpstreamConfig struct {
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Mode     string        `yaml:"mode"` // chat | responses | bedrock
	Timeout  time.Duration `yaml:"timeout"`
	ProxyURL string        `yaml:"proxy_url"`
	NoProxy  bool          `yaml:"no_proxy"`
	// Backends holds prefix rules in the ROUTIIUM_BACKENDS wire syntax:
	// semicolon-separated rules of comma-separated k=v pairs.
	Backends string `yaml:"backends"`
	// AWSAccessKeyID pins static Bedrock signing credentials. Empty falls
	// back to the ambient AWS credential chain.
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSSessionToken    string `yaml:"aws_session_token"`
}

// Managed reports whether the gateway substitutes its own upstream
// credentials, which switches client authentication on.
func (u UpstreamConfig) Managed() bool { return u.APIKey != "" }

// RouterConfig holds remote policy service settings.
type RouterConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	Strict        bool          `yaml:"strict"`
	Privacy       string        `yaml:"privacy"` // features | summary | full
	CacheMaxTTL   time.Duration `yaml:"cache_max_ttl"`
	ClientCert    string        `yaml:"client_cert"`
	ClientKey     string        `yaml:"client_key"`
	StickinessCap int           `yaml:"stickiness_cap"`
}

// RoutingConfig points at the local alias/rule table.
type RoutingConfig struct {
	Path string `yaml:"path"`
}

// KeysConfig holds managed credential settings.
type KeysConfig struct {
	Backend           string        `yaml:"backend"` // memory | sqlite | redis
	SQLitePath        string        `yaml:"sqlite_path"`
	RedisURL          string        `yaml:"redis_url"`
	RequireExpiration bool          `yaml:"require_expiration"`
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	DisableCache      bool          `yaml:"disable_cache"`
}

// AnalyticsConfig holds event sink settings.
type AnalyticsConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Backend   string        `yaml:"backend"` // memory | jsonl | sqlite | redis
	Path      string        `yaml:"path"`
	TTL       time.Duration `yaml:"ttl"`
	MaxEvents int           `yaml:"max_events"`
}

// PricingConfig points at the model pricing table.
type PricingConfig struct {
	Path string `yaml:"path"`
}

// SystemPromptConfig points at the prompt injection settings file.
type SystemPromptConfig struct {
	Path string `yaml:"path"`
}

// MCPConfig points at the MCP server definitions file.
type MCPConfig struct {
	Path string `yaml:"path"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "0.0.0.0:8088",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com/v1",
			Mode:    "responses",
			Timeout: 60 * time.Second,
		},
		Router: RouterConfig{
			Timeout:       15 * time.Millisecond,
			Privacy:       "features",
			StickinessCap: 10_000,
		},
		Keys: KeysConfig{
			Backend: "memory",
		},
		Analytics: AnalyticsConfig{
			Backend:   "memory",
			MaxEvents: 10_000,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// then overlays environment variables on top. Environment wins over file.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// FromEnv builds a config from defaults and environment variables alone.
func FromEnv() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// applyEnv overlays the process environment onto cfg.
func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Addr, "BIND_ADDR")

	setStr(&cfg.Upstream.APIKey, "OPENAI_API_KEY")
	setStr(&cfg.Upstream.BaseURL, "OPENAI_BASE_URL")
	setStr(&cfg.Upstream.Mode, "ROUTIIUM_UPSTREAM_MODE")
	setSeconds(&cfg.Upstream.Timeout, "ROUTIIUM_HTTP_TIMEOUT_SECONDS")
	setStr(&cfg.Upstream.ProxyURL, "ROUTIIUM_PROXY_URL")
	setBool(&cfg.Upstream.NoProxy, "ROUTIIUM_NO_PROXY")
	setStr(&cfg.Upstream.Backends, "ROUTIIUM_BACKENDS")
	setStr(&cfg.Upstream.AWSAccessKeyID, "ROUTIIUM_AWS_ACCESS_KEY_ID")
	setStr(&cfg.Upstream.AWSSecretAccessKey, "ROUTIIUM_AWS_SECRET_ACCESS_KEY")
	setStr(&cfg.Upstream.AWSSessionToken, "ROUTIIUM_AWS_SESSION_TOKEN")

	setStr(&cfg.Router.URL, "ROUTIIUM_ROUTER_URL")
	setMillis(&cfg.Router.Timeout, "ROUTIIUM_ROUTER_TIMEOUT_MS")
	setBool(&cfg.Router.Strict, "ROUTIIUM_ROUTER_STRICT")
	setStr(&cfg.Router.Privacy, "ROUTIIUM_ROUTER_PRIVACY")
	setMillis(&cfg.Router.CacheMaxTTL, "ROUTIIUM_ROUTER_CACHE_MAX_MS")
	setStr(&cfg.Router.ClientCert, "ROUTIIUM_ROUTER_CLIENT_CERT")
	setStr(&cfg.Router.ClientKey, "ROUTIIUM_ROUTER_CLIENT_KEY")
	setInt(&cfg.Router.StickinessCap, "ROUTIIUM_STICKINESS_CAP")

	setStr(&cfg.Routing.Path, "ROUTIIUM_ROUTING_CONFIG")

	setStr(&cfg.Keys.Backend, "ROUTIIUM_KEYS_BACKEND")
	setStr(&cfg.Keys.SQLitePath, "ROUTIIUM_SQLITE_PATH")
	setStr(&cfg.Keys.RedisURL, "ROUTIIUM_REDIS_URL")
	setBool(&cfg.Keys.RequireExpiration, "ROUTIIUM_KEYS_REQUIRE_EXPIRATION")
	setSeconds(&cfg.Keys.DefaultTTL, "ROUTIIUM_KEYS_DEFAULT_TTL_SECONDS")
	setBool(&cfg.Keys.DisableCache, "ROUTIIUM_KEYS_DISABLE_CACHE")

	setBool(&cfg.Analytics.Enabled, "ROUTIIUM_ANALYTICS")
	setStr(&cfg.Analytics.Backend, "ROUTIIUM_ANALYTICS_BACKEND")
	setStr(&cfg.Analytics.Path, "ROUTIIUM_ANALYTICS_PATH")
	setSeconds(&cfg.Analytics.TTL, "ROUTIIUM_ANALYTICS_TTL_SECONDS")
	setInt(&cfg.Analytics.MaxEvents, "ROUTIIUM_ANALYTICS_MAX_EVENTS")

	setStr(&cfg.Pricing.Path, "ROUTIIUM_PRICING_CONFIG")
	setStr(&cfg.SystemPrompt.Path, "ROUTIIUM_SYSTEM_PROMPT_CONFIG")
	setStr(&cfg.MCP.Path, "ROUTIIUM_MCP_CONFIG")

	setList(&cfg.CORS.AllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setList(&cfg.CORS.AllowedMethods, "CORS_ALLOWED_METHODS")
	setList(&cfg.CORS.AllowedHeaders, "CORS_ALLOWED_HEADERS")
	setBool(&cfg.CORS.AllowCredentials, "CORS_ALLOW_CREDENTIALS")
	setInt(&cfg.CORS.MaxAge, "CORS_MAX_AGE")

	setStr(&cfg.Log.Level, "LOG_LEVEL")
	if v, ok := os.LookupEnv("ROUTIIUM_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Tracing.Enabled = true
		cfg.Telemetry.Tracing.Endpoint = v
	}
	setFloat(&cfg.Telemetry.Tracing.SampleRate, "ROUTIIUM_TRACE_SAMPLE_RATE")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off", "":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setList(dst *[]string, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
