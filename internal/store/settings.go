package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/seekarr/seekarr/internal/timeutil"
)

// WebUIPasswordHash returns the stored admin password hash, or ok=false when
// no password has been set.
func (s *Store) WebUIPasswordHash(ctx context.Context) (string, bool, error) {
	var hash string
	err := s.conn.QueryRowContext(ctx,
		`SELECT password_hash FROM webui_auth WHERE id = 1`,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, hash != "", nil
}

// SetWebUIPasswordHash stores the admin password hash.
func (s *Store) SetWebUIPasswordHash(ctx context.Context, hash string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO webui_auth(id, password_hash, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     password_hash=excluded.password_hash,
		     updated_at=excluded.updated_at`,
		hash, timeutil.NowUTC(),
	)
	return err
}

// AppSettings holds UI-managed application-wide overrides. Nil fields mean
// "no override"; the value from the config file applies.
type AppSettings struct {
	QuietHoursTimezone *string `json:"quiet_hours_timezone"`
}

// AppSettings returns the UI-managed application overrides.
func (s *Store) AppSettings(ctx context.Context) (AppSettings, error) {
	var out AppSettings
	var tz sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT quiet_hours_timezone FROM ui_app_settings WHERE id = 1`,
	).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if tz.Valid {
		out.QuietHoursTimezone = &tz.String
	}
	return out, nil
}

// SetAppSettings stores the UI-managed application overrides.
func (s *Store) SetAppSettings(ctx context.Context, settings AppSettings) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ui_app_settings(id, quiet_hours_timezone, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     quiet_hours_timezone=excluded.quiet_hours_timezone,
		     updated_at=excluded.updated_at`,
		nullableString(settings.QuietHoursTimezone), timeutil.NowUTC(),
	)
	return err
}

// InstanceSettings holds UI-managed per-instance overrides. Nil fields mean
// "no override"; config-file values apply.
type InstanceSettings struct {
	Enabled                  *bool   `json:"enabled"`
	IntervalMinutes          *int    `json:"interval_minutes"`
	SearchMissing            *bool   `json:"search_missing"`
	SearchCutoffUnmet        *bool   `json:"search_cutoff_unmet"`
	SearchOrder              *string `json:"search_order"`
	QuietHoursStart          *string `json:"quiet_hours_start"`
	QuietHoursEnd            *string `json:"quiet_hours_end"`
	MinHoursAfterRelease     *int    `json:"min_hours_after_release"`
	MinSecondsBetweenActions *int    `json:"min_seconds_between_actions"`
	MaxMissingActionsPerSync *int    `json:"max_missing_actions_per_sync"`
	MaxCutoffActionsPerSync  *int    `json:"max_cutoff_actions_per_sync"`
	SonarrMissingMode        *string `json:"sonarr_missing_mode"`
	ItemRetryHours           *int    `json:"item_retry_hours"`
	RateWindowMinutes        *int    `json:"rate_window_minutes"`
	RateCap                  *int    `json:"rate_cap"`
	ArrURL                   *string `json:"arr_url"`
}

// InstanceSettings returns the UI-managed overrides for one instance.
func (s *Store) InstanceSettings(ctx context.Context, appType string, instanceID int) (InstanceSettings, error) {
	var out InstanceSettings
	var (
		enabled, searchMissing, searchCutoff                      sql.NullBool
		interval, minHours, minSeconds, maxMissing, maxCutoff     sql.NullInt64
		retryHours, rateWindow, rateCap                           sql.NullInt64
		order, quietStart, quietEnd, missingMode, arrURL          sql.NullString
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT enabled, interval_minutes, search_missing, search_cutoff_unmet, search_order,
		        quiet_hours_start, quiet_hours_end, min_hours_after_release,
		        min_seconds_between_actions, max_missing_actions_per_sync,
		        max_cutoff_actions_per_sync, sonarr_missing_mode, item_retry_hours,
		        rate_window_minutes, rate_cap, arr_url
		 FROM ui_instance_settings WHERE app_type = ? AND instance_id = ?`,
		appType, instanceID,
	).Scan(&enabled, &interval, &searchMissing, &searchCutoff, &order,
		&quietStart, &quietEnd, &minHours,
		&minSeconds, &maxMissing,
		&maxCutoff, &missingMode, &retryHours,
		&rateWindow, &rateCap, &arrURL)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, err
	}

	out.Enabled = nullableBoolPtr(enabled)
	out.IntervalMinutes = nullableIntPtr(interval)
	out.SearchMissing = nullableBoolPtr(searchMissing)
	out.SearchCutoffUnmet = nullableBoolPtr(searchCutoff)
	out.SearchOrder = nullableStringPtr(order)
	out.QuietHoursStart = nullableStringPtr(quietStart)
	out.QuietHoursEnd = nullableStringPtr(quietEnd)
	out.MinHoursAfterRelease = nullableIntPtr(minHours)
	out.MinSecondsBetweenActions = nullableIntPtr(minSeconds)
	out.MaxMissingActionsPerSync = nullableIntPtr(maxMissing)
	out.MaxCutoffActionsPerSync = nullableIntPtr(maxCutoff)
	out.SonarrMissingMode = nullableStringPtr(missingMode)
	out.ItemRetryHours = nullableIntPtr(retryHours)
	out.RateWindowMinutes = nullableIntPtr(rateWindow)
	out.RateCap = nullableIntPtr(rateCap)
	out.ArrURL = nullableStringPtr(arrURL)
	return out, nil
}

// SetInstanceSettings stores the UI-managed overrides for one instance,
// replacing any previous row.
func (s *Store) SetInstanceSettings(ctx context.Context, appType string, instanceID int, settings InstanceSettings) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ui_instance_settings(
		     app_type, instance_id, enabled, interval_minutes, search_missing,
		     search_cutoff_unmet, search_order, quiet_hours_start, quiet_hours_end,
		     min_hours_after_release, min_seconds_between_actions,
		     max_missing_actions_per_sync, max_cutoff_actions_per_sync,
		     sonarr_missing_mode, item_retry_hours, rate_window_minutes, rate_cap,
		     arr_url, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(app_type, instance_id) DO UPDATE SET
		     enabled=excluded.enabled,
		     interval_minutes=excluded.interval_minutes,
		     search_missing=excluded.search_missing,
		     search_cutoff_unmet=excluded.search_cutoff_unmet,
		     search_order=excluded.search_order,
		     quiet_hours_start=excluded.quiet_hours_start,
		     quiet_hours_end=excluded.quiet_hours_end,
		     min_hours_after_release=excluded.min_hours_after_release,
		     min_seconds_between_actions=excluded.min_seconds_between_actions,
		     max_missing_actions_per_sync=excluded.max_missing_actions_per_sync,
		     max_cutoff_actions_per_sync=excluded.max_cutoff_actions_per_sync,
		     sonarr_missing_mode=excluded.sonarr_missing_mode,
		     item_retry_hours=excluded.item_retry_hours,
		     rate_window_minutes=excluded.rate_window_minutes,
		     rate_cap=excluded.rate_cap,
		     arr_url=excluded.arr_url,
		     updated_at=excluded.updated_at`,
		appType, instanceID,
		nullableBool(settings.Enabled), nullableInt(settings.IntervalMinutes),
		nullableBool(settings.SearchMissing), nullableBool(settings.SearchCutoffUnmet),
		nullableString(settings.SearchOrder),
		nullableString(settings.QuietHoursStart), nullableString(settings.QuietHoursEnd),
		nullableInt(settings.MinHoursAfterRelease), nullableInt(settings.MinSecondsBetweenActions),
		nullableInt(settings.MaxMissingActionsPerSync), nullableInt(settings.MaxCutoffActionsPerSync),
		nullableString(settings.SonarrMissingMode), nullableInt(settings.ItemRetryHours),
		nullableInt(settings.RateWindowMinutes), nullableInt(settings.RateCap),
		nullableString(settings.ArrURL), timeutil.NowUTC(),
	)
	return err
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullableBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}
