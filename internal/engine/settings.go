package engine

import (
	"context"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/store"
)

// instanceSettings is the fully resolved configuration for one instance
// during one cycle: UI overrides from the store win over the config file's
// per-instance values, which win over app defaults.
type instanceSettings struct {
	InstanceID   int
	InstanceName string

	Enabled           bool
	IntervalMinutes   int
	SearchMissing     bool
	SearchCutoffUnmet bool
	SearchOrder       string

	QuietHoursStart    string
	QuietHoursEnd      string
	QuietHoursTimezone string

	MinHoursAfterRelease     int
	MinSecondsBetweenActions int
	MissingCap               int
	CutoffCap                int
	SonarrMissingMode        string
	RetryHours               int
	RateWindowMinutes        int
	RateCap                  int

	URL    string
	APIKey string
}

// resolveSettings layers the three configuration sources for an instance.
// The API key prefers an encrypted store credential over the config file.
func (e *Engine) resolveSettings(ctx context.Context, appType string, inst config.InstanceConfig) (instanceSettings, error) {
	app := e.cfg.App

	set := instanceSettings{
		InstanceID:        inst.InstanceID,
		InstanceName:      inst.InstanceName,
		Enabled:           inst.Enabled,
		IntervalMinutes:   config.ClampInterval(inst.IntervalMinutes),
		SearchMissing:     inst.SearchMissing,
		SearchCutoffUnmet: inst.SearchCutoffUnmet,
		SearchOrder:       config.NormalizeSearchOrder(inst.SearchOrder),

		QuietHoursStart:    app.QuietHoursStart,
		QuietHoursEnd:      app.QuietHoursEnd,
		QuietHoursTimezone: app.QuietHoursTimezone,

		MinHoursAfterRelease:     app.MinHoursAfterRelease,
		MinSecondsBetweenActions: app.MinSecondsBetweenActions,
		MissingCap:               app.MaxMissingActionsPerSync,
		CutoffCap:                app.MaxCutoffActionsPerSync,
		SonarrMissingMode:        config.NormalizeMissingMode(inst.SonarrMissingMode),
		RetryHours:               app.ItemRetryHours,
		RateWindowMinutes:        app.RateWindowMinutes,
		RateCap:                  app.RateCapPerInstance,

		URL:    inst.Arr.URL,
		APIKey: inst.Arr.APIKey,
	}

	if inst.QuietHoursStart != nil {
		set.QuietHoursStart = *inst.QuietHoursStart
	}
	if inst.QuietHoursEnd != nil {
		set.QuietHoursEnd = *inst.QuietHoursEnd
	}
	if inst.MinHoursAfterRelease != nil {
		set.MinHoursAfterRelease = *inst.MinHoursAfterRelease
	}
	if inst.MinSecondsBetweenActions != nil {
		set.MinSecondsBetweenActions = *inst.MinSecondsBetweenActions
	}
	if inst.MaxMissingActionsPerSync != nil {
		set.MissingCap = *inst.MaxMissingActionsPerSync
	}
	if inst.MaxCutoffActionsPerSync != nil {
		set.CutoffCap = *inst.MaxCutoffActionsPerSync
	}
	if inst.ItemRetryHours != nil {
		set.RetryHours = *inst.ItemRetryHours
	}
	if inst.RateWindowMinutes != nil {
		set.RateWindowMinutes = *inst.RateWindowMinutes
	}
	if inst.RateCap != nil {
		set.RateCap = *inst.RateCap
	}

	appSettings, err := e.store.AppSettings(ctx)
	if err != nil {
		return set, err
	}
	if appSettings.QuietHoursTimezone != nil {
		set.QuietHoursTimezone = *appSettings.QuietHoursTimezone
	}

	ui, err := e.store.InstanceSettings(ctx, appType, inst.InstanceID)
	if err != nil {
		return set, err
	}
	applyUIOverrides(&set, ui)

	if key, ok, err := e.store.GetArrAPIKey(ctx, appType, inst.InstanceID); err != nil {
		return set, err
	} else if ok {
		set.APIKey = key
	}

	return set, nil
}

func applyUIOverrides(set *instanceSettings, ui store.InstanceSettings) {
	if ui.Enabled != nil {
		set.Enabled = *ui.Enabled
	}
	if ui.IntervalMinutes != nil {
		set.IntervalMinutes = config.ClampInterval(*ui.IntervalMinutes)
	}
	if ui.SearchMissing != nil {
		set.SearchMissing = *ui.SearchMissing
	}
	if ui.SearchCutoffUnmet != nil {
		set.SearchCutoffUnmet = *ui.SearchCutoffUnmet
	}
	if ui.SearchOrder != nil {
		set.SearchOrder = config.NormalizeSearchOrder(*ui.SearchOrder)
	}
	if ui.QuietHoursStart != nil {
		set.QuietHoursStart = *ui.QuietHoursStart
	}
	if ui.QuietHoursEnd != nil {
		set.QuietHoursEnd = *ui.QuietHoursEnd
	}
	if ui.MinHoursAfterRelease != nil {
		set.MinHoursAfterRelease = *ui.MinHoursAfterRelease
	}
	if ui.MinSecondsBetweenActions != nil {
		set.MinSecondsBetweenActions = *ui.MinSecondsBetweenActions
	}
	if ui.MaxMissingActionsPerSync != nil {
		set.MissingCap = *ui.MaxMissingActionsPerSync
	}
	if ui.MaxCutoffActionsPerSync != nil {
		set.CutoffCap = *ui.MaxCutoffActionsPerSync
	}
	if ui.SonarrMissingMode != nil {
		set.SonarrMissingMode = config.NormalizeMissingMode(*ui.SonarrMissingMode)
	}
	if ui.ItemRetryHours != nil {
		set.RetryHours = *ui.ItemRetryHours
	}
	if ui.RateWindowMinutes != nil {
		set.RateWindowMinutes = *ui.RateWindowMinutes
	}
	if ui.RateCap != nil {
		set.RateCap = *ui.RateCap
	}
	if ui.ArrURL != nil && *ui.ArrURL != "" {
		set.URL = *ui.ArrURL
	}
}
