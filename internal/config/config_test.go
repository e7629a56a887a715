package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
upstream:
  base_url: https://llm.internal/v1
  mode: chat
  timeout: 45s
router:
  url: https://policy.internal
  strict: true
  privacy: summary
keys:
  backend: sqlite
  sqlite_path: /tmp/keys.db
  require_expiration: true
analytics:
  enabled: true
  backend: jsonl
  path: /tmp/events.jsonl
  max_events: 500
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v, want 10s", cfg.Server.ReadTimeout)
	}
	if cfg.Upstream.BaseURL != "https://llm.internal/v1" {
		t.Errorf("base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Mode != "chat" {
		t.Errorf("mode = %q, want chat", cfg.Upstream.Mode)
	}
	if !cfg.Router.Strict || cfg.Router.Privacy != "summary" {
		t.Errorf("router = %+v, want strict summary", cfg.Router)
	}
	if cfg.Keys.Backend != "sqlite" || !cfg.Keys.RequireExpiration {
		t.Errorf("keys = %+v", cfg.Keys)
	}
	if !cfg.Analytics.Enabled || cfg.Analytics.Backend != "jsonl" || cfg.Analytics.MaxEvents != 500 {
		t.Errorf("analytics = %+v", cfg.Analytics)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != "0.0.0.0:8088" {
		t.Errorf("default addr = %q, want 0.0.0.0:8088", cfg.Server.Addr)
	}
	if cfg.Upstream.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("default base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Mode != "responses" {
		t.Errorf("default mode = %q, want responses", cfg.Upstream.Mode)
	}
	if cfg.Router.Timeout != 15*time.Millisecond {
		t.Errorf("default router timeout = %v, want 15ms", cfg.Router.Timeout)
	}
	if cfg.Keys.Backend != "memory" {
		t.Errorf("default keys backend = %q, want memory", cfg.Keys.Backend)
	}
	if cfg.Analytics.Enabled {
		t.Error("analytics enabled by default, want disabled")
	}
	if cfg.Upstream.Managed() {
		t.Error("managed mode without api key, want passthrough")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_ROUTER_URL", "https://policy.example")

	result := expandEnv([]byte("url: ${TEST_ROUTER_URL}"))
	if string(result) != "url: https://policy.example" {
		t.Errorf("expandEnv = %q", string(result))
	}

	// Unset variables are left intact.
	result = expandEnv([]byte("url: ${TEST_UNSET_VAR_XYZ}"))
	if string(result) != "url: ${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("expandEnv on unset = %q", string(result))
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("OPENAI_API_KEY", "upstream-secret")
	t.Setenv("ROUTIIUM_UPSTREAM_MODE", "bedrock")
	t.Setenv("ROUTIIUM_ROUTER_TIMEOUT_MS", "250")
	t.Setenv("ROUTIIUM_KEYS_DEFAULT_TTL_SECONDS", "3600")
	t.Setenv("ROUTIIUM_ANALYTICS", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	yaml := `
server:
  addr: ":9090"
upstream:
  mode: chat
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q, env should win over file", cfg.Server.Addr)
	}
	if cfg.Upstream.Mode != "bedrock" {
		t.Errorf("mode = %q, env should win over file", cfg.Upstream.Mode)
	}
	if !cfg.Upstream.Managed() {
		t.Error("OPENAI_API_KEY set, want managed mode")
	}
	if cfg.Router.Timeout != 250*time.Millisecond {
		t.Errorf("router timeout = %v, want 250ms", cfg.Router.Timeout)
	}
	if cfg.Keys.DefaultTTL != time.Hour {
		t.Errorf("default ttl = %v, want 1h", cfg.Keys.DefaultTTL)
	}
	if !cfg.Analytics.Enabled {
		t.Error("ROUTIIUM_ANALYTICS=true, want analytics enabled")
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[0] != want[0] || cfg.CORS.AllowedOrigins[1] != want[1] {
		t.Errorf("origins = %v, want %v", cfg.CORS.AllowedOrigins, want)
	}
}

func TestFromEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("ROUTIIUM_OTLP_ENDPOINT", "otel-collector:4317")
	t.Setenv("ROUTIIUM_TRACE_SAMPLE_RATE", "0.25")

	cfg := FromEnv()
	if !cfg.Telemetry.Tracing.Enabled {
		t.Error("OTLP endpoint set, want tracing enabled")
	}
	if cfg.Telemetry.Tracing.Endpoint != "otel-collector:4317" {
		t.Errorf("endpoint = %q", cfg.Telemetry.Tracing.Endpoint)
	}
	if cfg.Telemetry.Tracing.SampleRate != 0.25 {
		t.Errorf("sample rate = %v, want 0.25", cfg.Telemetry.Tracing.SampleRate)
	}
}

func TestSetBool(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	tests := []struct {
		val  string
		want bool
	}{
		{"1", true}, {"true", true}, {"TRUE", true}, {"yes", true}, {"on", true},
		{"0", false}, {"false", false}, {"no", false}, {"off", false},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL_VAL", tt.val)
		got := false
		setBool(&got, "TEST_BOOL_VAL")
		if got != tt.want {
			t.Errorf("setBool(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}
