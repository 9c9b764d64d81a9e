package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gustycube/sensorwatch/internal/config"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configFile   string
	backendCmd   string
	window       string
	logLevel     string
	metricsAddr  string
	redisAddr    string
	reportDir    string
	otelEndpoint string
	otelInsecure bool
	jsonOut      bool
)

var rootCmd = &cobra.Command{
	Use:   "sensorwatch",
	Short: "Network sensor traffic analysis and risk reporting",
	Long: `sensorwatch pulls sensor log analytics from a log backend, assesses the security
risk with a language model (falling back to rules), and writes a report.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	pf.StringVar(&backendCmd, "backend", "", `backend command line, e.g. "python3 server.py"`)
	pf.StringVar(&window, "window", "", "analysis window (e.g. 24h, 7d, 1w)")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "metrics, health and status listen addr")
	pf.StringVar(&redisAddr, "redis-addr", "", "redis server for indicator dedup and remote triggers")
	pf.StringVar(&reportDir, "report-dir", "", "directory reports are written under")
	pf.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port)")
	pf.BoolVar(&otelInsecure, "otel-insecure", true, "OTLP insecure (no TLS)")
	pf.BoolVar(&jsonOut, "json", false, "print machine-readable JSON")

	rootCmd.AddCommand(serveCmd, runCmd, toolsCmd, queryCmd, triggerCmd)
}

// loadConfig layers file, environment and explicitly set flags, then validates.
func loadConfig(cmd *cobra.Command, extra map[string]any) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		c, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = &config.Config{}
		cfg.LoadFromEnv()
	}

	flags := map[string]any{}
	set := func(name, key string, v any) {
		if cmd.Flags().Changed(name) {
			flags[key] = v
		}
	}
	set("backend", "backend", strings.Fields(backendCmd))
	set("window", "window", window)
	set("log-level", "log_level", logLevel)
	set("metrics-addr", "metrics_addr", metricsAddr)
	set("redis-addr", "redis_addr", redisAddr)
	set("report-dir", "report_dir", reportDir)
	set("otel-endpoint", "otel_endpoint", otelEndpoint)
	set("otel-insecure", "otel_insecure", otelInsecure)
	for k, v := range extra {
		flags[k] = v
	}
	cfg.MergeWithFlags(flags)

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func durationFlag(cmd *cobra.Command, name string) (time.Duration, bool) {
	if !cmd.Flags().Changed(name) {
		return 0, false
	}
	d, err := cmd.Flags().GetDuration(name)
	return d, err == nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sensorwatch:", err)
		os.Exit(1)
	}
}
