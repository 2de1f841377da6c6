package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config contains all runtime settings for the background task service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	OpenCodeServerURL   string
	OpenCodeDirectory   string
	OpenCodeHTTPTimeout time.Duration
	OpenCodeMock        bool

	DatabaseURL string

	PollInterval    time.Duration
	TaskTimeout     time.Duration
	WaitInterval    time.Duration
	Retention       time.Duration
	CleanupSchedule string
	CleanupMaxAge   time.Duration
	NotifyPartial   bool

	PluginConfigPath   string
	PluginConfigLoaded bool
	DisabledTools      []string
	AgentModel         string
}

// Load reads environment variables and applies safe defaults. Values from the
// optional plugin file sit between the defaults and the environment.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8787"),
		ShutdownTimeout:     10 * time.Second,
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "kiro"),
		OpenCodeServerURL:   strings.TrimRight(envOrDefault("OPENCODE_SERVER_URL", "http://127.0.0.1:4096"), "/"),
		OpenCodeDirectory:   stringsTrimSpace("OPENCODE_DIRECTORY"),
		OpenCodeHTTPTimeout: 30 * time.Second,
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		PollInterval:        time.Second,
		TaskTimeout:         10 * time.Minute,
		WaitInterval:        500 * time.Millisecond,
		Retention:           5 * time.Minute,
		CleanupSchedule:     "@every 15m",
		CleanupMaxAge:       time.Hour,
		PluginConfigPath:    envOrDefault("KIRO_CONFIG_PATH", defaultPluginPath()),
	}
	if cfg.OpenCodeDirectory == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.OpenCodeDirectory = wd
		}
	}

	plugin, found, err := LoadPluginFile(cfg.PluginConfigPath)
	if err != nil {
		return Config{}, err
	}
	if found {
		cfg.PluginConfigLoaded = true
		if err := plugin.apply(&cfg); err != nil {
			return Config{}, err
		}
	}

	if v := stringsTrimSpace("BACKGROUND_CLEANUP_SCHEDULE"); v != "" {
		cfg.CleanupSchedule = v
	}
	if v := stringsTrimSpace("KIRO_AGENT_MODEL"); v != "" {
		cfg.AgentModel = v
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenCodeHTTPTimeout, err = durationFromEnv("OPENCODE_HTTP_TIMEOUT", cfg.OpenCodeHTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenCodeMock, err = boolFromEnv("OPENCODE_MOCK", cfg.OpenCodeMock)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("BACKGROUND_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("BACKGROUND_TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WaitInterval, err = durationFromEnv("BACKGROUND_WAIT_INTERVAL", cfg.WaitInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.Retention, err = durationFromEnv("BACKGROUND_RETENTION", cfg.Retention)
	if err != nil {
		return Config{}, err
	}
	cfg.CleanupMaxAge, err = durationFromEnv("BACKGROUND_CLEANUP_MAX_AGE", cfg.CleanupMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyPartial, err = boolFromEnv("BACKGROUND_NOTIFY_PARTIAL", cfg.NotifyPartial)
	if err != nil {
		return Config{}, err
	}

	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout},
		{"OPENCODE_HTTP_TIMEOUT", cfg.OpenCodeHTTPTimeout},
		{"BACKGROUND_POLL_INTERVAL", cfg.PollInterval},
		{"BACKGROUND_TASK_TIMEOUT", cfg.TaskTimeout},
		{"BACKGROUND_WAIT_INTERVAL", cfg.WaitInterval},
		{"BACKGROUND_RETENTION", cfg.Retention},
		{"BACKGROUND_CLEANUP_MAX_AGE", cfg.CleanupMaxAge},
	} {
		if d.val <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
	}
	if cfg.AgentModel != "" {
		if provider, model, ok := strings.Cut(cfg.AgentModel, "/"); !ok || provider == "" || model == "" {
			return Config{}, fmt.Errorf("KIRO_AGENT_MODEL must be provider/model, got %q", cfg.AgentModel)
		}
	}
	if cfg.PollInterval > cfg.TaskTimeout {
		return Config{}, fmt.Errorf("BACKGROUND_POLL_INTERVAL must not exceed BACKGROUND_TASK_TIMEOUT")
	}

	return cfg, nil
}

func defaultPluginPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opencode", "kiro.json")
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
