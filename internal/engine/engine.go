// Package engine runs per-instance search cycles: it resolves effective
// settings, pulls wanted items from upstream, orders them, and pushes each
// candidate through the admission gates before triggering a search.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seekarr/seekarr/internal/arr"
	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/selector"
	"github.com/seekarr/seekarr/internal/store"
	"github.com/seekarr/seekarr/internal/timeutil"
)

// minWakeupDelay floors any shortened next-sync instant so back-to-back
// cycles cannot spin.
const minWakeupDelay = 30 * time.Second

// Engine executes search cycles against the configured instances. One engine
// is shared by the scheduler loops and the Web UI; the pacer inside it spaces
// triggers across all of them.
type Engine struct {
	cfg   *config.Config
	store *store.Store
	log   zerolog.Logger
	pacer *Pacer
}

// New builds an engine over an opened store.
func New(cfg *config.Config, st *store.Store, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, store: st, log: log, pacer: NewPacer()}
}

// Store exposes the underlying state store.
func (e *Engine) Store() *store.Store { return e.store }

// Config exposes the parsed configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// IsDue reports whether an instance's next sync time has passed. A missing
// or unparseable stored time counts as due.
func (e *Engine) IsDue(ctx context.Context, appType string, inst config.InstanceConfig) bool {
	if !inst.Enabled {
		return false
	}
	next, ok, err := e.store.NextSyncTime(ctx, appType, inst.InstanceID)
	if err != nil || !ok {
		return true
	}
	due, parsed := timeutil.Parse(next)
	if !parsed {
		return true
	}
	return !time.Now().UTC().Before(due)
}

func (e *Engine) findInstance(appType string, instanceID int) (config.InstanceConfig, bool) {
	var pool []config.InstanceConfig
	switch appType {
	case "radarr":
		pool = e.cfg.Radarr
	case "sonarr":
		pool = e.cfg.Sonarr
	}
	for _, inst := range pool {
		if inst.InstanceID == instanceID {
			return inst, true
		}
	}
	return config.InstanceConfig{}, false
}

// RunInstance runs one instance immediately. force bypasses due-time and
// quiet hours; the Web UI's Force Run uses it.
func (e *Engine) RunInstance(ctx context.Context, appType string, instanceID int, force bool, progress ProgressFunc) (CycleStats, error) {
	inst, ok := e.findInstance(appType, instanceID)
	if !ok {
		return CycleStats{}, fmt.Errorf("unknown instance: %s:%d", appType, instanceID)
	}
	if !inst.Enabled {
		return CycleStats{}, nil
	}
	if !force && !e.IsDue(ctx, appType, inst) {
		return CycleStats{}, nil
	}

	stats := CycleStats{InstancesDue: 1}
	cycleID := uuid.NewString()
	runID, err := e.store.StartRun(ctx)
	if err != nil {
		return stats, err
	}
	emit(progress, Event{"type": "cycle_started", "cycle_id": cycleID, "force": force, "instances_due": 1})
	emit(progress, Event{
		"type": "instance_started", "cycle_id": cycleID,
		"app_type": appType, "instance_id": inst.InstanceID, "instance_name": inst.InstanceName,
	})

	runErr := e.runInstanceSync(ctx, runID, cycleID, appType, inst, &stats, force, progress)
	if runErr != nil {
		_ = e.store.FinishRun(ctx, runID, "error", withError(stats, runErr))
		emit(progress, Event{"type": "cycle_finished", "cycle_id": cycleID, "status": "error", "error": runErr.Error(), "stats": stats.AsMap()})
		return stats, runErr
	}

	stats.InstancesProcessed = 1
	if err := e.store.FinishRun(ctx, runID, "success", stats.AsMap()); err != nil {
		return stats, err
	}
	emit(progress, Event{"type": "cycle_finished", "cycle_id": cycleID, "status": "success", "stats": stats.AsMap()})
	return stats, nil
}

// RunCycle processes every due (or, when forced, every enabled) instance
// once. Instance failures are isolated: remaining instances still run, and
// the combined error is returned at the end.
func (e *Engine) RunCycle(ctx context.Context, force bool, progress ProgressFunc) (CycleStats, error) {
	stats := CycleStats{}
	cycleID := uuid.NewString()
	runID, err := e.store.StartRun(ctx)
	if err != nil {
		return stats, err
	}

	type dueInstance struct {
		appType string
		inst    config.InstanceConfig
	}
	var due []dueInstance
	for _, inst := range e.cfg.Radarr {
		if (force && inst.Enabled) || (!force && e.IsDue(ctx, "radarr", inst)) {
			due = append(due, dueInstance{"radarr", inst})
		}
	}
	for _, inst := range e.cfg.Sonarr {
		if (force && inst.Enabled) || (!force && e.IsDue(ctx, "sonarr", inst)) {
			due = append(due, dueInstance{"sonarr", inst})
		}
	}
	stats.InstancesDue = len(due)
	emit(progress, Event{"type": "cycle_started", "cycle_id": cycleID, "force": force, "instances_due": stats.InstancesDue})

	var errs []error
	for _, d := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		emit(progress, Event{
			"type": "instance_started", "cycle_id": cycleID,
			"app_type": d.appType, "instance_id": d.inst.InstanceID, "instance_name": d.inst.InstanceName,
		})
		if err := e.runInstanceSync(ctx, runID, cycleID, d.appType, d.inst, &stats, force, progress); err != nil {
			e.log.Error().Err(err).
				Str("app", d.appType).
				Str("instance", d.inst.InstanceName).
				Msg("instance sync failed")
			errs = append(errs, err)
		} else {
			stats.InstancesProcessed++
		}
		emit(progress, Event{
			"type": "instance_finished", "cycle_id": cycleID,
			"app_type": d.appType, "instance_id": d.inst.InstanceID, "instance_name": d.inst.InstanceName,
			"actions_triggered":        stats.ActionsTriggered,
			"actions_skipped_cooldown": stats.SkippedCooldown,
			"wanted_total":             stats.WantedTotal,
		})
	}

	if len(errs) > 0 {
		combined := errors.Join(errs...)
		_ = e.store.FinishRun(ctx, runID, "error", withError(stats, combined))
		emit(progress, Event{"type": "cycle_finished", "cycle_id": cycleID, "status": "error", "error": combined.Error(), "stats": stats.AsMap()})
		return stats, combined
	}
	if err := e.store.FinishRun(ctx, runID, "success", stats.AsMap()); err != nil {
		return stats, err
	}
	emit(progress, Event{"type": "cycle_finished", "cycle_id": cycleID, "status": "success", "stats": stats.AsMap()})
	return stats, nil
}

func emit(progress ProgressFunc, event Event) {
	if progress != nil {
		progress(event)
	}
}

func withError(stats CycleStats, err error) map[string]any {
	m := stats.AsMap()
	m["error"] = err.Error()
	return m
}

func (e *Engine) runInstanceSync(ctx context.Context, runID int64, cycleID, appType string, inst config.InstanceConfig, stats *CycleStats, force bool, progress ProgressFunc) (err error) {
	set, err := e.resolveSettings(ctx, appType, inst)
	if err != nil {
		return err
	}
	if !set.Enabled || set.URL == "" {
		return e.updateSyncStatus(ctx, appType, set, "")
	}

	instanceStartedAt := timeutil.NowUTC()
	before := *stats
	status := "success"
	wantedCount := 0
	defer func() {
		if err != nil {
			status = "error"
		}
		instStats := map[string]any{
			"wanted_count":                 wantedCount,
			"actions_triggered":            stats.ActionsTriggered - before.ActionsTriggered,
			"actions_skipped_cooldown":     stats.SkippedCooldown - before.SkippedCooldown,
			"actions_skipped_rate_limit":   stats.SkippedRateLimit - before.SkippedRateLimit,
			"actions_skipped_not_released": stats.SkippedNotReleased - before.SkippedNotReleased,
		}
		recErr := e.store.RecordInstanceRun(ctx, runID, appType, set.InstanceID, set.InstanceName,
			instanceStartedAt, timeutil.NowUTC(), status, instStats)
		if err == nil {
			err = recErr
		}
	}()

	now := time.Now().UTC()

	// Quiet hours park the instance until the window ends. Forced runs
	// push straight through.
	if !force {
		loc, ok := timeutil.FixedOffsetLocation(set.QuietHoursTimezone)
		if !ok {
			e.log.Warn().Str("timezone", set.QuietHoursTimezone).Msg("invalid quiet hours timezone, using host local")
			loc = time.Local
		}
		if quietEnd, inQuiet := quietHoursEnd(now, set.QuietHoursStart, set.QuietHoursEnd, loc); inQuiet {
			status = "quiet_hours"
			return e.store.SetNextSyncTime(ctx, appType, set.InstanceID, timeutil.FormatUTC(quietEnd))
		}
	}

	client := arr.NewClient(appType, set.URL, set.APIKey,
		e.cfg.App.RequestTimeoutSeconds, e.cfg.App.VerifySSL,
		e.log.With().Str("instance", set.InstanceName).Logger())

	ic := &instanceCycle{
		eng:       e,
		appType:   appType,
		set:       set,
		cycleID:   cycleID,
		triggered: map[string]bool{},
		stats:     stats,
		progress:  progress,
	}
	ic.recentRetryHours = set.RetryHours
	if selector.RecentRetryHours < ic.recentRetryHours {
		ic.recentRetryHours = selector.RecentRetryHours
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var wakeup time.Time
	if appType == "radarr" {
		wanted, fetchErr := client.FetchWantedMovies(ctx, set.SearchMissing, set.SearchCutoffUnmet)
		if fetchErr != nil {
			return fetchErr
		}
		missing, cutoff := selector.SplitMovies(wanted)
		wantedCount = len(wanted)
		stats.WantedTotal += wantedCount

		var boost *selector.Boost
		if set.SearchOrder == config.OrderSmart {
			if entries, calErr := client.FetchCalendar(ctx, now.AddDate(0, 0, -3), now.AddDate(0, 0, 1)); calErr == nil {
				boost = selector.BuildMovieBoost(entries, now)
			} else {
				e.log.Debug().Err(calErr).Msg("calendar unavailable, smart order proceeds without boost")
			}
		}
		missing = selector.OrderMovies(missing, set.SearchOrder, boost, now, rng)
		cutoff = selector.OrderMovies(cutoff, set.SearchOrder, boost, now, rng)

		wakeup = collectWakeup(now, set.MinHoursAfterRelease, missing,
			func(m arr.WantedMovie) string { return m.ReleaseDateUTC })

		if err := e.processMovies(ctx, ic, missing, client, set.MissingCap); err != nil {
			return err
		}
		if err := e.processMovies(ctx, ic, cutoff, client, set.CutoffCap); err != nil {
			return err
		}
	} else {
		wanted, fetchErr := client.FetchWantedEpisodes(ctx, set.SearchMissing, set.SearchCutoffUnmet)
		if fetchErr != nil {
			return fetchErr
		}
		wanted = selector.DropSpecials(wanted)
		missing, cutoff := selector.SplitEpisodes(wanted)
		wantedCount = len(wanted)
		stats.WantedTotal += wantedCount

		var boost *selector.Boost
		if set.SearchOrder == config.OrderSmart {
			if entries, calErr := client.FetchCalendar(ctx, now.AddDate(0, 0, -3), now.AddDate(0, 0, 1)); calErr == nil {
				boost = selector.BuildEpisodeBoost(entries, now)
			} else {
				e.log.Debug().Err(calErr).Msg("calendar unavailable, smart order proceeds without boost")
			}
		}
		missing = selector.OrderEpisodes(missing, set.SearchOrder, boost, now, rng)
		cutoff = selector.OrderEpisodes(cutoff, set.SearchOrder, boost, now, rng)

		wakeup = collectWakeup(now, set.MinHoursAfterRelease, missing,
			func(ep arr.WantedEpisode) string { return ep.AirDateUTC })

		if err := e.processSonarrMissing(ctx, ic, missing, client, boost, now, rng); err != nil {
			return err
		}
		// Upgrades always go per episode.
		if err := e.processEpisodes(ctx, ic, cutoff, client, set.CutoffCap); err != nil {
			return err
		}
	}

	override := ""
	if !wakeup.IsZero() {
		now = time.Now().UTC()
		if wakeup.After(now) {
			wakeupAt := wakeup
			if floor := now.Add(minWakeupDelay); wakeupAt.Before(floor) {
				wakeupAt = floor
			}
			if wakeupAt.Before(now.Add(time.Duration(set.IntervalMinutes) * time.Minute)) {
				override = timeutil.FormatUTC(wakeupAt)
			}
		}
	}
	return e.updateSyncStatus(ctx, appType, set, override)
}

// collectWakeup finds the earliest instant a recently released missing item
// becomes eligible, so the next sync can be pulled forward.
func collectWakeup[T any](now time.Time, minHoursAfterRelease int, items []T, isoOf func(T) string) time.Time {
	if minHoursAfterRelease <= 0 {
		return time.Time{}
	}
	recentFloor := now.Add(-selector.RecentWindowDays * 24 * time.Hour)
	var wakeup time.Time
	for _, it := range items {
		t, ok := timeutil.Parse(isoOf(it))
		if !ok {
			continue
		}
		if t.Before(recentFloor) || t.After(now) {
			continue
		}
		eligibleAt := t.Add(time.Duration(minHoursAfterRelease) * time.Hour)
		if !eligibleAt.After(now) {
			continue
		}
		if wakeup.IsZero() || eligibleAt.Before(wakeup) {
			wakeup = eligibleAt
		}
	}
	return wakeup
}

func (e *Engine) updateSyncStatus(ctx context.Context, appType string, set instanceSettings, overrideNext string) error {
	now := time.Now().UTC()
	next := overrideNext
	if next == "" {
		next = timeutil.FormatUTC(now.Add(time.Duration(set.IntervalMinutes) * time.Minute))
	}
	return e.store.UpsertSyncStatus(ctx, appType, set.InstanceID, timeutil.FormatUTC(now), next)
}

func (e *Engine) processMovies(ctx context.Context, ic *instanceCycle, items []arr.WantedMovie, client *arr.Client, limit int) error {
	if limit <= 0 {
		return nil
	}
	triggered := 0
	for _, mv := range items {
		if triggered >= limit {
			return nil
		}
		movieID := mv.MovieID
		ok, err := ic.admit(ctx, candidate{
			itemKey: mv.ItemKey(),
			title:   mv.Title,
			airISOs: []string{mv.ReleaseDateUTC},
			trigger: func(ctx context.Context) bool { return client.TriggerMovieSearch(ctx, movieID) },
		})
		if err != nil {
			return err
		}
		if ok {
			triggered++
		}
	}
	return nil
}

func (e *Engine) processEpisodes(ctx context.Context, ic *instanceCycle, items []arr.WantedEpisode, client *arr.Client, limit int) error {
	if limit <= 0 {
		return nil
	}
	_, err := e.admitEpisodes(ctx, ic, items, client, limit)
	return err
}
