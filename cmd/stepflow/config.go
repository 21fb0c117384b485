package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/pkg/stepflow"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBDriver         string `json:"db_driver" yaml:"db_driver"`
	DBPath           string `json:"db_path" yaml:"db_path"`
	LogLevel         string `json:"log_level" yaml:"log_level"`
	LogFormat        string `json:"log_format" yaml:"log_format"`
	PoolSize         int    `json:"pool_size" yaml:"pool_size"`
	AsyncPoolSize    int    `json:"async_pool_size" yaml:"async_pool_size"`
	PollInterval     string `json:"poll_interval" yaml:"poll_interval"`
	SignalAckTimeout string `json:"signal_ack_timeout" yaml:"signal_ack_timeout"`
	TaskLease        string `json:"task_lease" yaml:"task_lease"`
	PanelAddr        string `json:"panel_addr,omitempty" yaml:"panel_addr"`
}

func defaultConfig(dir string) Config {
	return Config{
		DBDriver:         "libsql",
		DBPath:           filepath.Join(dir, "stepflow.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         10,
		AsyncPoolSize:    10,
		PollInterval:     "1s",
		SignalAckTimeout: "20s",
		TaskLease:        "5m",
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(stepflowDir())
}

// loadConfigFrom layers dir/settings.json (or settings.yaml) and env vars over defaults.
func loadConfigFrom(dir string) (Config, error) {
	cfg := defaultConfig(dir)

	// Layer 2: settings file (ignore if missing).
	if data, err := os.ReadFile(settingsPath(dir)); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(dir), err)
		}
	} else if data, err := os.ReadFile(filepath.Join(dir, "settings.yaml")); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", filepath.Join(dir, "settings.yaml"), err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("STEPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_ASYNC_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AsyncPoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("STEPFLOW_SIGNAL_ACK_TIMEOUT"); v != "" {
		cfg.SignalAckTimeout = v
	}
	if v := os.Getenv("STEPFLOW_TASK_LEASE"); v != "" {
		cfg.TaskLease = v
	}
	if v := os.Getenv("STEPFLOW_PANEL_ADDR"); v != "" {
		cfg.PanelAddr = v
	}

	return cfg, nil
}

// clientConfig converts the settings into the library configuration.
func (c Config) clientConfig(logger *slog.Logger) (stepflow.Config, error) {
	durations := map[string]string{
		"poll_interval":      c.PollInterval,
		"signal_ack_timeout": c.SignalAckTimeout,
		"task_lease":         c.TaskLease,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for key, raw := range durations {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return stepflow.Config{}, fmt.Errorf("%s: %w", key, err)
		}
		parsed[key] = d
	}

	return stepflow.Config{
		DBDriver:         c.DBDriver,
		DBPath:           c.DBPath,
		Logger:           logger,
		PoolSize:         c.PoolSize,
		AsyncPoolSize:    c.AsyncPoolSize,
		PollInterval:     parsed["poll_interval"],
		SignalAckTimeout: parsed["signal_ack_timeout"],
		TaskLease:        parsed["task_lease"],
	}, nil
}

// writeSettings stores cfg as dir/settings.json.
func writeSettings(dir string, cfg Config, out io.Writer) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath(dir)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	return nil
}
