package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var envPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

// AppConfig holds application-wide defaults. Per-instance values override
// these when set.
type AppConfig struct {
	DBPath                   string `mapstructure:"db_path"`
	LogLevel                 string `mapstructure:"log_level"`
	LogFormat                string `mapstructure:"log_format"`
	LogPath                  string `mapstructure:"log_path"`
	ItemRetryHours           int    `mapstructure:"item_retry_hours"`
	MinHoursAfterRelease     int    `mapstructure:"min_hours_after_release"`
	QuietHoursStart          string `mapstructure:"quiet_hours_start"`
	QuietHoursEnd            string `mapstructure:"quiet_hours_end"`
	QuietHoursTimezone       string `mapstructure:"quiet_hours_timezone"`
	MaxMissingActionsPerSync int    `mapstructure:"max_missing_actions_per_instance_per_sync"`
	MaxCutoffActionsPerSync  int    `mapstructure:"max_cutoff_actions_per_instance_per_sync"`
	MinSecondsBetweenActions int    `mapstructure:"min_seconds_between_actions"`
	RateWindowMinutes        int    `mapstructure:"rate_window_minutes"`
	RateCapPerInstance       int    `mapstructure:"rate_cap_per_instance"`
	RequestTimeoutSeconds    int    `mapstructure:"request_timeout_seconds"`
	VerifySSL                bool   `mapstructure:"verify_ssl"`
}

// ArrConfig holds connection details for one upstream Radarr/Sonarr service.
type ArrConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// InstanceConfig describes one sync instance. Pointer fields are per-instance
// overrides: nil means "inherit the app-level default".
type InstanceConfig struct {
	InstanceID        int    `mapstructure:"instance_id"`
	InstanceName      string `mapstructure:"instance_name"`
	Enabled           bool   `mapstructure:"enabled"`
	IntervalMinutes   int    `mapstructure:"interval_minutes"`
	SearchMissing     bool   `mapstructure:"search_missing"`
	SearchCutoffUnmet bool   `mapstructure:"search_cutoff_unmet"`
	SearchOrder       string `mapstructure:"search_order"`

	QuietHoursStart          *string `mapstructure:"quiet_hours_start"`
	QuietHoursEnd            *string `mapstructure:"quiet_hours_end"`
	MinHoursAfterRelease     *int    `mapstructure:"min_hours_after_release"`
	MinSecondsBetweenActions *int    `mapstructure:"min_seconds_between_actions"`
	MaxMissingActionsPerSync *int    `mapstructure:"max_missing_actions_per_instance_per_sync"`
	MaxCutoffActionsPerSync  *int    `mapstructure:"max_cutoff_actions_per_instance_per_sync"`
	SonarrMissingMode        string  `mapstructure:"sonarr_missing_mode"`
	ItemRetryHours           *int    `mapstructure:"item_retry_hours"`
	RateWindowMinutes        *int    `mapstructure:"rate_window_minutes"`
	RateCap                  *int    `mapstructure:"rate_cap"`

	Arr ArrConfig `mapstructure:"-"`
}

// Config is the fully parsed runtime configuration.
type Config struct {
	App    AppConfig
	Radarr []InstanceConfig
	Sonarr []InstanceConfig
}

// rawInstance carries the YAML shape of an instance entry, including the
// nested arr block and legacy key aliases.
type rawInstance struct {
	InstanceConfig `mapstructure:",squash"`

	Radarr *ArrConfig `mapstructure:"radarr"`
	Sonarr *ArrConfig `mapstructure:"sonarr"`

	// Legacy aliases from early config shapes.
	StateManagementHours *int `mapstructure:"state_management_hours"`
	HourlyCap            *int `mapstructure:"hourly_cap"`
}

type rawSection struct {
	Instances []rawInstance `mapstructure:"instances"`

	// Flat legacy shape: radarr: {url: ..., api_key: ...} with no instances.
	Enabled *bool  `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	APIKey  string `mapstructure:"api_key"`
}

// Load reads, interpolates and parses the YAML config at path. A missing file
// is materialized with defaults first so a fresh install starts cleanly.
func Load(path string) (*Config, error) {
	configPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	if err := ensureConfigExists(configPath); err != nil {
		return nil, err
	}

	loadDotenv(configPath)

	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := envPattern.ReplaceAllStringFunc(string(raw), func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var app AppConfig
	if err := v.UnmarshalKey("app", &app); err != nil {
		return nil, fmt.Errorf("failed to unmarshal app config: %w", err)
	}
	applyAppBounds(&app)

	radarr, err := parseInstances(v, "radarr")
	if err != nil {
		return nil, err
	}
	sonarr, err := parseInstances(v, "sonarr")
	if err != nil {
		return nil, err
	}

	// Legacy section names.
	if len(radarr) == 0 {
		if legacy, err := parseInstances(v, "movie_hunt"); err == nil {
			radarr = legacy
		}
	}
	if len(sonarr) == 0 {
		if legacy, err := parseInstances(v, "tv_hunt"); err == nil {
			sonarr = legacy
		}
	}

	// Flat legacy shape: a bare radarr/sonarr block becomes one default instance.
	if len(radarr) == 0 && len(sonarr) == 0 {
		radarr = flatLegacyInstance(v, "radarr", "Radarr Default")
		sonarr = flatLegacyInstance(v, "sonarr", "Sonarr Default")
	}

	return &Config{App: app, Radarr: radarr, Sonarr: sonarr}, nil
}

func parseInstances(v *viper.Viper, section string) ([]InstanceConfig, error) {
	if !v.IsSet(section) {
		return nil, nil
	}
	var sec rawSection
	if err := v.UnmarshalKey(section, &sec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s config: %w", section, err)
	}

	arrKey := section
	if section == "movie_hunt" {
		arrKey = "radarr"
	}
	if section == "tv_hunt" {
		arrKey = "sonarr"
	}

	out := make([]InstanceConfig, 0, len(sec.Instances))
	for _, row := range sec.Instances {
		inst := row.InstanceConfig
		if inst.InstanceID < 1 {
			inst.InstanceID = 1
		}
		if inst.InstanceName == "" {
			if arrKey == "radarr" {
				inst.InstanceName = "Radarr Default"
			} else {
				inst.InstanceName = "Sonarr Default"
			}
		}
		inst.IntervalMinutes = ClampInterval(inst.IntervalMinutes)
		inst.SearchOrder = NormalizeSearchOrder(inst.SearchOrder)
		inst.SonarrMissingMode = NormalizeMissingMode(inst.SonarrMissingMode)

		switch arrKey {
		case "radarr":
			if row.Radarr != nil {
				inst.Arr = *row.Radarr
			}
		case "sonarr":
			if row.Sonarr != nil {
				inst.Arr = *row.Sonarr
			}
		}

		// Legacy alias fallbacks.
		if inst.ItemRetryHours == nil && row.StateManagementHours != nil {
			inst.ItemRetryHours = row.StateManagementHours
		}
		if inst.RateCap == nil && row.HourlyCap != nil {
			inst.RateCap = row.HourlyCap
			if inst.RateWindowMinutes == nil {
				hour := 60
				inst.RateWindowMinutes = &hour
			}
		}

		out = append(out, inst)
	}
	return out, nil
}

func flatLegacyInstance(v *viper.Viper, section, name string) []InstanceConfig {
	if !v.IsSet(section + ".url") {
		return nil
	}
	var sec rawSection
	if err := v.UnmarshalKey(section, &sec); err != nil {
		return nil
	}
	if sec.Enabled != nil && !*sec.Enabled {
		return nil
	}
	return []InstanceConfig{{
		InstanceID:        1,
		InstanceName:      name,
		Enabled:           true,
		IntervalMinutes:   15,
		SearchMissing:     true,
		SearchCutoffUnmet: true,
		SearchOrder:       OrderSmart,
		SonarrMissingMode: ModeSmart,
		Arr:               ArrConfig{URL: sec.URL, APIKey: sec.APIKey},
	}}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.db_path", "./state/seekarr.db")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")
	v.SetDefault("app.item_retry_hours", 12)
	v.SetDefault("app.min_hours_after_release", 8)
	v.SetDefault("app.quiet_hours_start", "23:00")
	v.SetDefault("app.quiet_hours_end", "06:00")
	v.SetDefault("app.quiet_hours_timezone", "")
	v.SetDefault("app.max_missing_actions_per_instance_per_sync", 5)
	v.SetDefault("app.max_cutoff_actions_per_instance_per_sync", 1)
	v.SetDefault("app.min_seconds_between_actions", 2)
	v.SetDefault("app.rate_window_minutes", 30)
	v.SetDefault("app.rate_cap_per_instance", 10)
	v.SetDefault("app.request_timeout_seconds", 30)
	v.SetDefault("app.verify_ssl", true)
}

func applyAppBounds(app *AppConfig) {
	if app.ItemRetryHours < 1 {
		app.ItemRetryHours = 1
	}
	if app.MinHoursAfterRelease < 0 {
		app.MinHoursAfterRelease = 0
	}
	if app.MaxMissingActionsPerSync < 0 {
		app.MaxMissingActionsPerSync = 0
	}
	if app.MaxCutoffActionsPerSync < 0 {
		app.MaxCutoffActionsPerSync = 0
	}
	if app.MinSecondsBetweenActions < 0 {
		app.MinSecondsBetweenActions = 0
	}
	if app.RateWindowMinutes < 1 {
		app.RateWindowMinutes = 1
	}
	if app.RateCapPerInstance < 1 {
		app.RateCapPerInstance = 1
	}
	if app.RequestTimeoutSeconds < 5 {
		app.RequestTimeoutSeconds = 5
	}
}

// loadDotenv loads the first .env found beside the config file or in the
// working directory. Existing environment variables are never overridden.
func loadDotenv(configPath string) {
	candidates := []string{
		filepath.Join(filepath.Dir(configPath), ".env"),
		".env",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = godotenv.Load(p)
		return
	}
}

// ClampInterval bounds the sync interval to [15, 60] minutes.
func ClampInterval(minutes int) int {
	if minutes < 15 {
		return 15
	}
	if minutes > 60 {
		return 60
	}
	return minutes
}

// Search order policies.
const (
	OrderSmart  = "smart"
	OrderNewest = "newest"
	OrderOldest = "oldest"
	OrderRandom = "random"
)

// Sonarr missing modes.
const (
	ModeSmart       = "smart"
	ModeSeasonPacks = "season_packs"
	ModeShows       = "shows"
	ModeEpisodes    = "episodes"
)

// NormalizeSearchOrder maps arbitrary input to a valid search order,
// defaulting to smart.
func NormalizeSearchOrder(order string) string {
	switch strings.ToLower(strings.TrimSpace(order)) {
	case OrderNewest:
		return OrderNewest
	case OrderOldest:
		return OrderOldest
	case OrderRandom:
		return OrderRandom
	default:
		return OrderSmart
	}
}

// NormalizeMissingMode maps mode synonyms onto the canonical names,
// defaulting to smart.
func NormalizeMissingMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeSeasonPacks, "seasons_packs", "seasonpacks", "seasons", "season":
		return ModeSeasonPacks
	case ModeShows:
		return ModeShows
	case ModeEpisodes:
		return ModeEpisodes
	case ModeSmart, "hybrid", "auto", "":
		return ModeSmart
	default:
		return ModeSmart
	}
}
