package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gustycube/sensorwatch/internal/llm"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile_YAML(t *testing.T) {
	t.Setenv("NIM_KEY", "secret-key")
	path := writeConfig(t, "config.yaml", `
backend:
  command: ["python3", "server.py"]
  query_timeout: 45s
analytics:
  window: 7d
  rules:
    restricted_sensors: [ssh-1]
    allowed_countries: [US, CA]
    multi_sensor_threshold: 2
model:
  endpoints:
    - base_url: https://integrate.api.nvidia.com/v1
      model: meta/llama-3.1-70b-instruct
      api_key_env: NIM_KEY
  timeout: 90
schedule:
  interval: 2h
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}

	if len(cfg.Backend.Command) != 2 || cfg.Backend.Command[1] != "server.py" {
		t.Errorf("unexpected backend command %v", cfg.Backend.Command)
	}
	if cfg.Backend.QueryTimeout.D() != 45*time.Second {
		t.Errorf("expected query timeout 45s, got %s", cfg.Backend.QueryTimeout)
	}
	if cfg.Analytics.Window != "7d" {
		t.Errorf("expected window 7d, got %s", cfg.Analytics.Window)
	}
	if cfg.Analytics.Rules.MultiSensorThreshold != 2 || len(cfg.Analytics.Rules.AllowedCountries) != 2 {
		t.Errorf("unexpected rules %+v", cfg.Analytics.Rules)
	}
	if cfg.Model.Timeout.D() != 90*time.Second {
		t.Errorf("expected numeric timeout as seconds, got %s", cfg.Model.Timeout)
	}
	if cfg.Model.Endpoints[0].APIKey != "secret-key" {
		t.Errorf("api key not resolved from env")
	}
	if cfg.Schedule.Interval.D() != 2*time.Hour {
		t.Errorf("expected interval 2h, got %s", cfg.Schedule.Interval)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"backend": {"command": ["./logs-server"], "bulk_timeout": "3m"},
		"report": {"root": "/var/reports", "addresses": true},
		"upload": {"gcs_bucket": "sensor-reports"},
		"metrics_addr": ":8080"
	}`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}
	if cfg.Backend.BulkTimeout.D() != 3*time.Minute {
		t.Errorf("expected bulk timeout 3m, got %s", cfg.Backend.BulkTimeout)
	}
	if cfg.Report.Root != "/var/reports" || !cfg.Report.Addresses {
		t.Errorf("unexpected report config %+v", cfg.Report)
	}
	if cfg.Upload.GCSBucket != "sensor-reports" || cfg.Upload.GCSPrefix != "reports" {
		t.Errorf("unexpected upload config %+v", cfg.Upload)
	}
	if cfg.MetricsAddr != ":8080" {
		t.Errorf("expected metrics addr :8080, got %s", cfg.MetricsAddr)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFromFile(writeConfig(t, "config.toml", "x = 1")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := LoadFromFile(writeConfig(t, "config.yaml", "backend: [")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadFromFile(writeConfig(t, "config.yaml", "schedule:\n  interval: soon\n")); err == nil {
		t.Error("expected duration error")
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Analytics.Window != "24h" {
		t.Errorf("expected default window 24h, got %s", cfg.Analytics.Window)
	}
	if cfg.Backend.QueryTimeout.D() != 30*time.Second || cfg.Backend.BulkTimeout.D() != 120*time.Second {
		t.Errorf("unexpected backend timeouts %s %s", cfg.Backend.QueryTimeout, cfg.Backend.BulkTimeout)
	}
	if cfg.Model.Timeout.D() != 120*time.Second {
		t.Errorf("expected model timeout 120s, got %s", cfg.Model.Timeout)
	}
	if cfg.Schedule.Interval.D() != time.Hour || cfg.Schedule.InitialDelay.D() != 30*time.Second {
		t.Errorf("unexpected schedule %+v", cfg.Schedule)
	}
	if cfg.Report.Root != "reports" || cfg.Report.TopN != 10 {
		t.Errorf("unexpected report defaults %+v", cfg.Report)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %s", cfg.MetricsAddr)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Backend: Backend{Command: []string{"server"}}}
		c.SetDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no backend", func(c *Config) { c.Backend.Command = nil }, "backend.command"},
		{"bad window", func(c *Config) { c.Analytics.Window = "3 days" }, "analytics.window"},
		{"negative threshold", func(c *Config) { c.Analytics.Rules.MultiSensorThreshold = -1 }, "multi_sensor_threshold"},
		{"endpoint without model", func(c *Config) { c.Model.Endpoints = []llm.Endpoint{{BaseURL: "http://x"}} }, "model is required"},
		{"deny format without verb", func(c *Config) { c.Model.DenyFormat = "ufw deny" }, "deny_format"},
		{"gcs prompt without object", func(c *Config) { c.Prompt.GCSBucket = "b" }, "gcs_object"},
		{"two upload targets", func(c *Config) { c.Upload.Endpoint = "http://x"; c.Upload.GCSBucket = "b" }, "mutually exclusive"},
		{"interval too short", func(c *Config) { c.Schedule.Interval = Duration(time.Second) }, "schedule.interval"},
		{"triggers without redis", func(c *Config) { c.RemoteTriggers = true }, "redis_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.MergeWithFlags(map[string]any{
		"window":        "1w",
		"backend":       []string{"./server", "--stdio"},
		"interval":      30 * time.Minute,
		"report_dir":    "/tmp/out",
		"metrics_addr":  ":9999",
		"otel_insecure": true,
		"redis_addr":    "",
	})

	if cfg.Analytics.Window != "1w" {
		t.Errorf("expected window 1w, got %s", cfg.Analytics.Window)
	}
	if len(cfg.Backend.Command) != 2 {
		t.Errorf("expected backend override, got %v", cfg.Backend.Command)
	}
	if cfg.Schedule.Interval.D() != 30*time.Minute {
		t.Errorf("expected interval 30m, got %s", cfg.Schedule.Interval)
	}
	if cfg.Report.Root != "/tmp/out" || cfg.MetricsAddr != ":9999" || !cfg.OTELInsecure {
		t.Errorf("flags not merged: %+v", cfg)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("empty flag should not override")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.local:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SENSORWATCH_UPLOAD_ENDPOINT", "https://ingest.example.com/reports")
	t.Setenv("BACKUP_KEY", "k2")

	cfg := &Config{}
	cfg.Model.Endpoints = []llm.Endpoint{{Model: "a"}, {Model: "b", APIKeyEnv: "BACKUP_KEY"}}
	cfg.LoadFromEnv()

	if cfg.RedisAddr != "redis.local:6379" {
		t.Errorf("expected redis addr from env, got %s", cfg.RedisAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.Upload.Endpoint != "https://ingest.example.com/reports" {
		t.Errorf("expected upload endpoint from env, got %s", cfg.Upload.Endpoint)
	}
	if cfg.Model.Endpoints[0].APIKey != "" || cfg.Model.Endpoints[1].APIKey != "k2" {
		t.Errorf("unexpected api keys %q %q", cfg.Model.Endpoints[0].APIKey, cfg.Model.Endpoints[1].APIKey)
	}
}
