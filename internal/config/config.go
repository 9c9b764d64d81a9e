package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/analytics"
	"github.com/gustycube/sensorwatch/internal/llm"
	"gopkg.in/yaml.v3"
)

// Duration accepts "90s"-style strings or a plain number of seconds in both YAML and JSON.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalJSON(b []byte) error {
	v, err := parseDuration(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// Backend describes how to launch the log backend process.
type Backend struct {
	Command      []string `yaml:"command" json:"command"`
	Env          []string `yaml:"env" json:"env"`
	Dir          string   `yaml:"dir" json:"dir"`
	QueryTimeout Duration `yaml:"query_timeout" json:"query_timeout"`
	BulkTimeout  Duration `yaml:"bulk_timeout" json:"bulk_timeout"`
	// SpawnsPerSecond throttles process launches per tool. Zero disables throttling.
	SpawnsPerSecond float64 `yaml:"spawns_per_second" json:"spawns_per_second"`
}

type Analytics struct {
	Window       string `yaml:"window" json:"window"`
	GroupLimit   int    `yaml:"group_limit" json:"group_limit"`
	AddressRange string `yaml:"address_range" json:"address_range"`
	AddressLimit int    `yaml:"address_limit" json:"address_limit"`
	Concurrency  int    `yaml:"concurrency" json:"concurrency"`
	// DedupTTL is how long a flagged address stays "seen" in Redis.
	DedupTTL Duration        `yaml:"dedup_ttl" json:"dedup_ttl"`
	Rules    analytics.Rules `yaml:"rules" json:"rules"`
}

type Model struct {
	// Endpoints form an ordered fallback chain. Empty means rule-derived assessments only.
	Endpoints      []llm.Endpoint `yaml:"endpoints" json:"endpoints"`
	Temperature    float32        `yaml:"temperature" json:"temperature"`
	MaxTokens      int            `yaml:"max_tokens" json:"max_tokens"`
	Timeout        Duration       `yaml:"timeout" json:"timeout"`
	AttemptTimeout Duration       `yaml:"attempt_timeout" json:"attempt_timeout"`
	TemplateFile   string         `yaml:"template_file" json:"template_file"`
	DenyFormat     string         `yaml:"deny_format" json:"deny_format"`
	DenyFormat6    string         `yaml:"deny_format6" json:"deny_format6"`
	VerifyCommands []string       `yaml:"verify_commands" json:"verify_commands"`
	// BreakerTimeout is how long a failing endpoint is skipped before it is probed again.
	BreakerTimeout Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
}

// Prompt selects where analysis instructions come from. GCS wins over File; with neither the
// built-in prompt is used.
type Prompt struct {
	File      string   `yaml:"file" json:"file"`
	GCSBucket string   `yaml:"gcs_bucket" json:"gcs_bucket"`
	GCSObject string   `yaml:"gcs_object" json:"gcs_object"`
	CacheTTL  Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

type Report struct {
	Root      string `yaml:"root" json:"root"`
	TopN      int    `yaml:"top_n" json:"top_n"`
	Addresses bool   `yaml:"addresses" json:"addresses"`
}

// Upload picks at most one destination: Endpoint (HTTP) or GCSBucket.
type Upload struct {
	Endpoint   string   `yaml:"endpoint" json:"endpoint"`
	SpoolDir   string   `yaml:"spool_dir" json:"spool_dir"`
	MaxElapsed Duration `yaml:"max_elapsed" json:"max_elapsed"`
	GCSBucket  string   `yaml:"gcs_bucket" json:"gcs_bucket"`
	GCSPrefix  string   `yaml:"gcs_prefix" json:"gcs_prefix"`
}

type Schedule struct {
	Interval     Duration `yaml:"interval" json:"interval"`
	InitialDelay Duration `yaml:"initial_delay" json:"initial_delay"`
	RunTimeout   Duration `yaml:"run_timeout" json:"run_timeout"`
}

// Config represents the complete configuration for sensorwatch
type Config struct {
	Backend   Backend   `yaml:"backend" json:"backend"`
	Analytics Analytics `yaml:"analytics" json:"analytics"`
	Model     Model     `yaml:"model" json:"model"`
	Prompt    Prompt    `yaml:"prompt" json:"prompt"`
	Report    Report    `yaml:"report" json:"report"`
	Upload    Upload    `yaml:"upload" json:"upload"`
	Schedule  Schedule  `yaml:"schedule" json:"schedule"`

	// GCSCredentialsFile is a service account key; empty uses application default credentials.
	GCSCredentialsFile string `yaml:"gcs_credentials_file" json:"gcs_credentials_file"`

	// Observability
	LogLevel     string `yaml:"log_level" json:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis backs indicator dedup and remote triggers. Both are off when RedisAddr is empty.
	RedisAddr       string `yaml:"redis_addr" json:"redis_addr"`
	RedisTriggerKey string `yaml:"redis_trigger_key" json:"redis_trigger_key"`
	RemoteTriggers  bool   `yaml:"remote_triggers" json:"remote_triggers"`
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Backend.QueryTimeout == 0 {
		c.Backend.QueryTimeout = Duration(30 * time.Second)
	}
	if c.Backend.BulkTimeout == 0 {
		c.Backend.BulkTimeout = Duration(120 * time.Second)
	}
	if c.Analytics.Window == "" {
		c.Analytics.Window = analytics.DefaultWindow.String()
	}
	if c.Analytics.GroupLimit == 0 {
		c.Analytics.GroupLimit = 10
	}
	if c.Analytics.AddressRange == "" {
		c.Analytics.AddressRange = "0.0.0.0/0"
	}
	if c.Analytics.AddressLimit == 0 {
		c.Analytics.AddressLimit = 1000
	}
	if c.Analytics.DedupTTL == 0 {
		c.Analytics.DedupTTL = Duration(7 * 24 * time.Hour)
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = Duration(120 * time.Second)
	}
	if c.Model.BreakerTimeout == 0 {
		c.Model.BreakerTimeout = Duration(60 * time.Second)
	}
	if c.Prompt.CacheTTL == 0 {
		c.Prompt.CacheTTL = Duration(10 * time.Minute)
	}
	if c.Report.Root == "" {
		c.Report.Root = "reports"
	}
	if c.Report.TopN == 0 {
		c.Report.TopN = 10
	}
	if c.Upload.SpoolDir == "" {
		c.Upload.SpoolDir = "spool"
	}
	if c.Upload.MaxElapsed == 0 {
		c.Upload.MaxElapsed = Duration(2 * time.Minute)
	}
	if c.Upload.GCSPrefix == "" {
		c.Upload.GCSPrefix = "reports"
	}
	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = Duration(time.Hour)
	}
	if c.Schedule.InitialDelay == 0 {
		c.Schedule.InitialDelay = Duration(30 * time.Second)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "sensorwatch"
	}
	if c.RedisTriggerKey == "" {
		c.RedisTriggerKey = "sensorwatch:triggers"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Backend.Command) == 0 {
		return fmt.Errorf("backend.command is required")
	}
	if _, err := analytics.ParseWindow(c.Analytics.Window); err != nil {
		return fmt.Errorf("analytics.window: %w", err)
	}
	if c.Analytics.GroupLimit < 1 {
		return fmt.Errorf("analytics.group_limit must be at least 1")
	}
	if c.Analytics.AddressLimit < 1 {
		return fmt.Errorf("analytics.address_limit must be at least 1")
	}
	if c.Analytics.Rules.MultiSensorThreshold < 0 {
		return fmt.Errorf("analytics.rules.multi_sensor_threshold must not be negative")
	}
	for i, ep := range c.Model.Endpoints {
		if ep.Model == "" {
			return fmt.Errorf("model.endpoints[%d]: model is required", i)
		}
	}
	for name, f := range map[string]string{"deny_format": c.Model.DenyFormat, "deny_format6": c.Model.DenyFormat6} {
		if f != "" && strings.Count(f, "%s") != 1 {
			return fmt.Errorf("model.%s must contain exactly one %%s", name)
		}
	}
	if c.Prompt.GCSBucket != "" && c.Prompt.GCSObject == "" {
		return fmt.Errorf("prompt.gcs_object is required with prompt.gcs_bucket")
	}
	if c.Upload.Endpoint != "" && c.Upload.GCSBucket != "" {
		return fmt.Errorf("upload.endpoint and upload.gcs_bucket are mutually exclusive")
	}
	if c.Schedule.Interval.D() < time.Minute {
		return fmt.Errorf("schedule.interval must be at least 1m")
	}
	if c.RemoteTriggers && c.RedisAddr == "" {
		return fmt.Errorf("remote_triggers requires redis_addr")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.LoadFromEnv()
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration.
// Flags that were not set should be left out of the map.
func (c *Config) MergeWithFlags(flags map[string]any) {
	if v, ok := flags["window"].(string); ok && v != "" {
		c.Analytics.Window = v
	}
	if v, ok := flags["backend"].([]string); ok && len(v) > 0 {
		c.Backend.Command = v
	}
	if v, ok := flags["interval"].(time.Duration); ok && v > 0 {
		c.Schedule.Interval = Duration(v)
	}
	if v, ok := flags["initial_delay"].(time.Duration); ok && v >= 0 {
		c.Schedule.InitialDelay = Duration(v)
	}
	if v, ok := flags["report_dir"].(string); ok && v != "" {
		c.Report.Root = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
}

// LoadFromEnv loads configuration from environment variables and resolves model API keys
// from each endpoint's api_key_env.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SENSORWATCH_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("SENSORWATCH_UPLOAD_ENDPOINT"); v != "" {
		c.Upload.Endpoint = v
	}
	if v := os.Getenv("SENSORWATCH_OTEL_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && c.GCSCredentialsFile == "" {
		c.GCSCredentialsFile = v
	}
	for i := range c.Model.Endpoints {
		ep := &c.Model.Endpoints[i]
		if ep.APIKeyEnv != "" {
			ep.APIKey = os.Getenv(ep.APIKeyEnv)
		}
	}
}
