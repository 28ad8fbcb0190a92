package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ensureConfigExists writes a usable default config when none is present, so
// a fresh container boots into a state the web UI can finish configuring.
func ensureConfigExists(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory %q: %w", filepath.Dir(configPath), err)
	}

	dbPath := "./state/seekarr.db"
	if isDockerDataPath(configPath) {
		dbPath = "/data/seekarr.db"
	}

	defaults := map[string]any{
		"app": map[string]any{
			"db_path":                 dbPath,
			"log_level":               "info",
			"request_timeout_seconds": 30,
			"verify_ssl":              true,
			"quiet_hours_timezone":    "",
		},
		"radarr": map[string]any{
			"instances": []any{defaultInstance("Radarr Main", "radarr")},
		},
		"sonarr": map[string]any{
			"instances": []any{defaultInstance("Sonarr Main", "sonarr")},
		},
	}

	out, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil {
		return fmt.Errorf("cannot write config file %q: %w", configPath, err)
	}
	return nil
}

func defaultInstance(name, arrKey string) map[string]any {
	inst := map[string]any{
		"instance_id":         1,
		"instance_name":       name,
		"enabled":             true,
		"interval_minutes":    15,
		"search_missing":      true,
		"search_cutoff_unmet": true,
		"search_order":        "smart",
		"quiet_hours_start":   "23:00",
		"quiet_hours_end":     "06:00",
		"min_hours_after_release":                   8,
		"min_seconds_between_actions":               2,
		"max_missing_actions_per_instance_per_sync": 5,
		"max_cutoff_actions_per_instance_per_sync":  1,
		"item_retry_hours":    72,
		"rate_window_minutes": 60,
		"rate_cap":            25,
		arrKey:                map[string]any{"url": "", "api_key": ""},
	}
	if arrKey == "sonarr" {
		inst["sonarr_missing_mode"] = "smart"
	}
	return inst
}

// isDockerDataPath detects the conventional /data mount used by the Docker image.
func isDockerDataPath(configPath string) bool {
	p := filepath.ToSlash(configPath)
	return strings.HasPrefix(p, "/data/") || strings.HasSuffix(p, "/data/config.yaml")
}
