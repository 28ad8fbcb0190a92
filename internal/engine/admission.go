package engine

import (
	"context"
	"time"

	"github.com/seekarr/seekarr/internal/selector"
	"github.com/seekarr/seekarr/internal/timeutil"
)

// Event is one progress notification pushed to observers (the Web UI's
// websocket hub, the CLI's verbose log).
type Event map[string]any

// ProgressFunc receives progress events during a cycle. May be nil.
type ProgressFunc func(Event)

// candidate is one admissible unit of work: a movie, an episode, a season
// pack or a show batch. The gates are identical; only the release dates and
// the trigger differ.
type candidate struct {
	itemKey string
	title   string

	// airISOs holds the release/air timestamps the release gate evaluates.
	// An unknown (empty or unparseable) entry counts as eligible so undated
	// backlog is never starved.
	airISOs []string

	trigger func(ctx context.Context) bool
}

// instanceCycle carries the per-cycle state threaded through admission.
type instanceCycle struct {
	eng       *Engine
	appType   string
	set       instanceSettings
	cycleID   string
	triggered map[string]bool
	stats     *CycleStats
	progress  ProgressFunc

	recentRetryHours int
}

func (ic *instanceCycle) emit(event Event) {
	if ic.progress == nil {
		return
	}
	event["cycle_id"] = ic.cycleID
	event["app_type"] = ic.appType
	event["instance_id"] = ic.set.InstanceID
	event["instance_name"] = ic.set.InstanceName
	ic.progress(event)
}

// isRecentRelease reports whether the timestamp falls in the recent window
// [now-2d, now] that unlocks fast retries and the wake-up shortening.
func isRecentRelease(iso string, now time.Time) bool {
	t, ok := timeutil.Parse(iso)
	if !ok {
		return false
	}
	floor := now.Add(-selector.RecentWindowDays * 24 * time.Hour)
	return !t.Before(floor) && !t.After(now)
}

// cooldownHours returns the retry cooldown for an item, clamped down to the
// fast-retry cap when any of its release timestamps is recent.
func (ic *instanceCycle) cooldownHours(airISOs []string, now time.Time) int {
	hours := ic.set.RetryHours
	for _, iso := range airISOs {
		if isRecentRelease(iso, now) {
			if ic.recentRetryHours < hours {
				hours = ic.recentRetryHours
			}
			break
		}
	}
	return hours
}

// admit runs the gate sequence for one candidate and issues the trigger when
// every gate passes. Returns true only on a successful trigger.
func (ic *instanceCycle) admit(ctx context.Context, cand candidate) (bool, error) {
	if ic.triggered[cand.itemKey] {
		return false, nil
	}

	now := time.Now().UTC()

	// Release gate: at least one timestamp must be past its eligibility
	// instant. Unknown timestamps never block.
	if ic.set.MinHoursAfterRelease > 0 {
		eligible := false
		var newest, newestEligible time.Time
		for _, iso := range cand.airISOs {
			t, ok := timeutil.Parse(iso)
			if !ok {
				eligible = true
				continue
			}
			if t.After(newest) {
				newest = t
			}
			eligibleAt := t.Add(time.Duration(ic.set.MinHoursAfterRelease) * time.Hour)
			if eligibleAt.After(newestEligible) {
				newestEligible = eligibleAt
			}
			if !now.Before(eligibleAt) {
				eligible = true
			}
		}
		if !eligible && len(cand.airISOs) > 0 {
			ic.stats.SkippedNotReleased++
			ic.emit(Event{
				"type":                         "item_skipped_not_released",
				"item_key":                     cand.itemKey,
				"release_time_utc":             timeutil.FormatUTC(newest),
				"eligible_time_utc":            timeutil.FormatUTC(newestEligible),
				"actions_skipped_not_released": ic.stats.SkippedNotReleased,
			})
			return false, nil
		}
	}

	// Rate cap over the rolling window.
	windowStart := now.Add(-time.Duration(ic.set.RateWindowMinutes) * time.Minute)
	used, err := ic.eng.store.CountSearchEventsSince(ctx, ic.appType, ic.set.InstanceID, windowStart)
	if err != nil {
		return false, err
	}
	if used >= ic.set.RateCap {
		ic.stats.SkippedRateLimit++
		ic.emit(Event{
			"type":                       "item_skipped_rate_limit",
			"item_key":                   cand.itemKey,
			"rate_used":                  used,
			"rate_cap":                   ic.set.RateCap,
			"rate_window_minutes":        ic.set.RateWindowMinutes,
			"actions_skipped_rate_limit": ic.stats.SkippedRateLimit,
		})
		return false, nil
	}

	// Cooldown, clamped for recently released content.
	onCooldown, err := ic.eng.store.ItemOnCooldown(ctx, ic.appType, ic.set.InstanceID, cand.itemKey, ic.cooldownHours(cand.airISOs, now))
	if err != nil {
		return false, err
	}
	if onCooldown {
		ic.stats.SkippedCooldown++
		ic.emit(Event{
			"type":                     "item_skipped_cooldown",
			"item_key":                 cand.itemKey,
			"actions_triggered":        ic.stats.ActionsTriggered,
			"actions_skipped_cooldown": ic.stats.SkippedCooldown,
		})
		return false, nil
	}

	// Cross-instance pacing right before the trigger.
	if err := ic.eng.pacer.Wait(ctx, ic.set.MinSecondsBetweenActions); err != nil {
		return false, err
	}

	if !cand.trigger(ctx) {
		return false, nil
	}

	ic.eng.pacer.Mark()
	ic.stats.ActionsTriggered++
	ic.triggered[cand.itemKey] = true
	if err := ic.eng.store.MarkItemAction(ctx, ic.appType, ic.set.InstanceID, cand.itemKey, cand.title); err != nil {
		return true, err
	}
	if err := ic.eng.store.RecordSearchEvent(ctx, ic.appType, ic.set.InstanceID); err != nil {
		return true, err
	}
	if err := ic.eng.store.RecordSearchAction(ctx, ic.appType, ic.set.InstanceID, ic.set.InstanceName, cand.itemKey, cand.title); err != nil {
		return true, err
	}
	searches, err := ic.eng.store.CountSearchActionsForItem(ctx, ic.appType, ic.set.InstanceID, cand.itemKey)
	if err != nil {
		return true, err
	}
	ic.eng.log.Info().
		Str("app", ic.appType).
		Str("instance", ic.set.InstanceName).
		Str("title", cand.title).
		Int("searches", searches).
		Msg("triggered search")
	ic.emit(Event{
		"type":                       "item_triggered",
		"item_key":                   cand.itemKey,
		"title":                      cand.title,
		"search_count":               searches,
		"actions_triggered":          ic.stats.ActionsTriggered,
		"actions_skipped_cooldown":   ic.stats.SkippedCooldown,
		"actions_skipped_rate_limit": ic.stats.SkippedRateLimit,
	})
	return true, nil
}
