package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// PluginFile is the optional JSONC file shared with the host's plugin config.
type PluginFile struct {
	DisabledTools []string            `json:"disabled_tools"`
	AgentModel    string              `json:"agent_model"`
	Background    BackgroundOverrides `json:"background"`
}

// BackgroundOverrides uses Go duration strings ("2s", "15m").
type BackgroundOverrides struct {
	PollInterval    string `json:"poll_interval"`
	TaskTimeout     string `json:"task_timeout"`
	WaitInterval    string `json:"wait_interval"`
	Retention       string `json:"retention"`
	CleanupSchedule string `json:"cleanup_schedule"`
	CleanupMaxAge   string `json:"cleanup_max_age"`
	NotifyPartial   *bool  `json:"notify_partial"`
}

// LoadPluginFile reads a JSONC plugin file. A missing file is reported with
// found=false and no error.
func LoadPluginFile(path string) (PluginFile, bool, error) {
	var pf PluginFile
	if strings.TrimSpace(path) == "" {
		return pf, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return pf, false, nil
	}
	if err != nil {
		return pf, false, fmt.Errorf("read plugin config: %w", err)
	}

	std, err := hujson.Standardize(data)
	if err != nil {
		return pf, false, fmt.Errorf("parse plugin config %s: %w", path, err)
	}
	if err := json.Unmarshal(std, &pf); err != nil {
		return pf, false, fmt.Errorf("unmarshal plugin config %s: %w", path, err)
	}
	return pf, true, nil
}

func (pf PluginFile) apply(cfg *Config) error {
	for _, name := range pf.DisabledTools {
		if name = strings.TrimSpace(name); name != "" {
			cfg.DisabledTools = append(cfg.DisabledTools, name)
		}
	}
	if v := strings.TrimSpace(pf.AgentModel); v != "" {
		cfg.AgentModel = v
	}

	bg := pf.Background
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"background.poll_interval", bg.PollInterval, &cfg.PollInterval},
		{"background.task_timeout", bg.TaskTimeout, &cfg.TaskTimeout},
		{"background.wait_interval", bg.WaitInterval, &cfg.WaitInterval},
		{"background.retention", bg.Retention, &cfg.Retention},
		{"background.cleanup_max_age", bg.CleanupMaxAge, &cfg.CleanupMaxAge},
	} {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	if v := strings.TrimSpace(bg.CleanupSchedule); v != "" {
		cfg.CleanupSchedule = v
	}
	if bg.NotifyPartial != nil {
		cfg.NotifyPartial = *bg.NotifyPartial
	}
	return nil
}
