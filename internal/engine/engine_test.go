package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/store"
	"github.com/seekarr/seekarr/internal/timeutil"
)

// commandLog captures the search commands a fake upstream receives.
type commandLog struct {
	mu       sync.Mutex
	commands []map[string]any
}

func (l *commandLog) record(r *http.Request) {
	var cmd map[string]any
	_ = json.NewDecoder(r.Body).Decode(&cmd)
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()
}

func (l *commandLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.commands))
	for _, cmd := range l.commands {
		name, _ := cmd["name"].(string)
		out = append(out, name)
	}
	return out
}

func jsonResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newFakeRadarr serves fixed wanted lists and records commands.
func newFakeRadarr(t *testing.T, missing, cutoff []map[string]any) (*httptest.Server, *commandLog) {
	t.Helper()
	log := &commandLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie":
			jsonResponse(w, []any{})
		case "/api/v3/wanted/missing":
			jsonResponse(w, map[string]any{"records": missing})
		case "/api/v3/wanted/cutoff":
			jsonResponse(w, map[string]any{"records": cutoff})
		case "/api/v3/calendar":
			jsonResponse(w, []any{})
		case "/api/v3/command":
			log.record(r)
			jsonResponse(w, map[string]any{"id": 1})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

// newFakeSonarr serves fixed wanted episodes and a per-series episode listing.
func newFakeSonarr(t *testing.T, missing []map[string]any, episodesBySeries map[string][]map[string]any) (*httptest.Server, *commandLog) {
	t.Helper()
	log := &commandLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/series":
			jsonResponse(w, []any{})
		case "/api/v3/wanted/missing":
			jsonResponse(w, map[string]any{"records": missing})
		case "/api/v3/wanted/cutoff":
			jsonResponse(w, map[string]any{"records": []any{}})
		case "/api/v3/calendar":
			jsonResponse(w, []any{})
		case "/api/v3/episode":
			jsonResponse(w, episodesBySeries[r.URL.Query().Get("seriesId")])
		case "/api/v3/command":
			log.record(r)
			jsonResponse(w, map[string]any{"id": 1})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func baseAppConfig() config.AppConfig {
	return config.AppConfig{
		ItemRetryHours:           12,
		MinHoursAfterRelease:     0,
		QuietHoursStart:          "",
		QuietHoursEnd:            "",
		MaxMissingActionsPerSync: 5,
		MaxCutoffActionsPerSync:  1,
		MinSecondsBetweenActions: 0,
		RateWindowMinutes:        30,
		RateCapPerInstance:       10,
		RequestTimeoutSeconds:    5,
		VerifySSL:                true,
	}
}

func testInstance(name, url string) config.InstanceConfig {
	return config.InstanceConfig{
		InstanceID:        1,
		InstanceName:      name,
		Enabled:           true,
		IntervalMinutes:   15,
		SearchMissing:     true,
		SearchCutoffUnmet: true,
		SearchOrder:       config.OrderNewest,
		SonarrMissingMode: config.ModeSmart,
		Arr:               config.ArrConfig{URL: url, APIKey: "k"},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state", "seekarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(cfg, st, zerolog.Nop())
}

func iso(t time.Time) string { return timeutil.FormatUTC(t) }

func movieRecord(id int, title string, released time.Time) map[string]any {
	return map[string]any{"id": id, "title": title, "digitalRelease": iso(released)}
}

func TestRunCycleRadarrRespectsCaps(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t,
		[]map[string]any{
			movieRecord(1, "Alpha", now.AddDate(0, 0, -30)),
			movieRecord(2, "Beta", now.AddDate(0, 0, -20)),
			movieRecord(3, "Gamma", now.AddDate(0, 0, -10)),
		},
		[]map[string]any{
			movieRecord(4, "Delta", now.AddDate(0, 0, -5)),
			movieRecord(5, "Epsilon", now.AddDate(0, 0, -4)),
		},
	)
	app := baseAppConfig()
	app.MaxMissingActionsPerSync = 2
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.InstancesDue)
	assert.Equal(t, 1, stats.InstancesProcessed)
	assert.Equal(t, 5, stats.WantedTotal)
	assert.Equal(t, 3, stats.ActionsTriggered, "2 missing + 1 cutoff")
	assert.Equal(t, []string{"MoviesSearch", "MoviesSearch", "MoviesSearch"}, cmds.names())

	next, ok, err := eng.Store().NextSyncTime(context.Background(), "radarr", 1)
	require.NoError(t, err)
	require.True(t, ok)
	nextTime, parsed := timeutil.Parse(next)
	require.True(t, parsed)
	assert.WithinDuration(t, now.Add(15*time.Minute), nextTime, time.Minute)
}

func TestRunCycleSecondPassHitsCooldown(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t, []map[string]any{movieRecord(1, "Alpha", now.AddDate(0, 0, -30))}, nil)
	cfg := &config.Config{App: baseAppConfig(), Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	var events []Event
	first, err := eng.RunCycle(context.Background(), false, func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, 1, first.ActionsTriggered)

	var triggered []Event
	for _, e := range events {
		if e["type"] == "item_triggered" {
			triggered = append(triggered, e)
		}
	}
	require.Len(t, triggered, 1)
	assert.Equal(t, 1, triggered[0]["search_count"], "first search for the item")

	second, err := eng.RunCycle(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ActionsTriggered)
	assert.Equal(t, 1, second.SkippedCooldown)
	assert.Len(t, cmds.names(), 1, "no second search for the same item")
}

func TestRunCycleRateCapBoundsTriggers(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t, []map[string]any{
		movieRecord(1, "Alpha", now.AddDate(0, 0, -30)),
		movieRecord(2, "Beta", now.AddDate(0, 0, -20)),
		movieRecord(3, "Gamma", now.AddDate(0, 0, -10)),
	}, nil)
	app := baseAppConfig()
	app.RateCapPerInstance = 1
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActionsTriggered)
	assert.Equal(t, 2, stats.SkippedRateLimit)
	assert.Len(t, cmds.names(), 1)
}

func TestRunCycleReleaseGatePullsNextSyncForward(t *testing.T) {
	now := time.Now().UTC()
	// Released 7h50m ago with an 8h gate: eligible in 10 minutes, well
	// inside the 15 minute interval.
	srv, cmds := newFakeRadarr(t, []map[string]any{
		movieRecord(1, "Fresh", now.Add(-7*time.Hour-50*time.Minute)),
	}, nil)
	app := baseAppConfig()
	app.MinHoursAfterRelease = 8
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActionsTriggered)
	assert.Equal(t, 1, stats.SkippedNotReleased)
	assert.Empty(t, cmds.names())

	next, ok, err := eng.Store().NextSyncTime(context.Background(), "radarr", 1)
	require.NoError(t, err)
	require.True(t, ok)
	nextTime, parsed := timeutil.Parse(next)
	require.True(t, parsed)
	assert.WithinDuration(t, now.Add(10*time.Minute), nextTime, time.Minute)
}

func TestRunCycleReleaseGateWakeupFloor(t *testing.T) {
	now := time.Now().UTC()
	// Eligible in ~10 seconds: the wake-up is floored to 30 seconds out.
	srv, _ := newFakeRadarr(t, []map[string]any{
		movieRecord(1, "Imminent", now.Add(-8*time.Hour+10*time.Second)),
	}, nil)
	app := baseAppConfig()
	app.MinHoursAfterRelease = 8
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	_, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)

	next, ok, err := eng.Store().NextSyncTime(context.Background(), "radarr", 1)
	require.NoError(t, err)
	require.True(t, ok)
	nextTime, parsed := timeutil.Parse(next)
	require.True(t, parsed)
	assert.WithinDuration(t, now.Add(minWakeupDelay), nextTime, 15*time.Second)
}

func TestRunCycleIsolatesInstanceFailures(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t, []map[string]any{movieRecord(1, "Alpha", now.AddDate(0, 0, -30))}, nil)

	broken := testInstance("Radarr Broken", "http://127.0.0.1:1")
	working := testInstance("Radarr Main", srv.URL)
	working.InstanceID = 2
	app := baseAppConfig()
	app.RequestTimeoutSeconds = 5
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{broken, working}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.Error(t, err)
	assert.Equal(t, 2, stats.InstancesDue)
	assert.Equal(t, 1, stats.InstancesProcessed)
	assert.Equal(t, 1, stats.ActionsTriggered, "healthy instance still runs")
	assert.Len(t, cmds.names(), 1)
}

func TestRunCycleQuietHoursParksInstance(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t, []map[string]any{movieRecord(1, "Alpha", now.AddDate(0, 0, -30))}, nil)
	app := baseAppConfig()
	app.QuietHoursStart = now.Add(-time.Hour).Format("15:04")
	app.QuietHoursEnd = now.Add(time.Hour).Format("15:04")
	app.QuietHoursTimezone = "+00:00"
	cfg := &config.Config{App: app, Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActionsTriggered)
	assert.Empty(t, cmds.names(), "no upstream traffic during quiet hours")

	next, ok, err := eng.Store().NextSyncTime(context.Background(), "radarr", 1)
	require.NoError(t, err)
	require.True(t, ok)
	nextTime, parsed := timeutil.Parse(next)
	require.True(t, parsed)
	assert.WithinDuration(t, now.Add(time.Hour), nextTime, 2*time.Minute)

	// A forced run pushes through the window.
	forced, err := eng.RunCycle(context.Background(), true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, forced.ActionsTriggered)
}

func episodeRecord(id, seriesID, season, number int, aired time.Time) map[string]any {
	return map[string]any{
		"id": id, "seriesId": seriesID,
		"seasonNumber": season, "episodeNumber": number,
		"airDateUtc": iso(aired),
		"series":     map[string]any{"id": seriesID, "title": "Show", "monitored": true},
	}
}

func inventoryRecord(season int, aired time.Time, hasFile bool) map[string]any {
	return map[string]any{"seasonNumber": season, "airDateUtc": iso(aired), "hasFile": hasFile}
}

func TestSonarrSmartModePrefersSeasonPack(t *testing.T) {
	now := time.Now().UTC()
	aired := now.AddDate(0, 0, -30)
	srv, cmds := newFakeSonarr(t,
		[]map[string]any{
			episodeRecord(11, 5, 1, 1, aired),
			episodeRecord(12, 5, 1, 2, aired),
			episodeRecord(13, 5, 1, 3, aired),
		},
		map[string][]map[string]any{"5": {
			inventoryRecord(1, aired, true),
			inventoryRecord(1, aired, false),
			inventoryRecord(1, aired, false),
			inventoryRecord(1, aired, false),
		}},
	)
	cfg := &config.Config{App: baseAppConfig(), Sonarr: []config.InstanceConfig{testInstance("Sonarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActionsTriggered)
	require.Equal(t, []string{"SeasonSearch"}, cmds.names())

	cmds.mu.Lock()
	cmd := cmds.commands[0]
	cmds.mu.Unlock()
	assert.Equal(t, float64(5), cmd["seriesId"])
	assert.Equal(t, float64(1), cmd["seasonNumber"])
}

func TestSonarrSmartModeSeasonCooldownClampsForRecentAirings(t *testing.T) {
	now := time.Now().UTC()
	aired := now.Add(-24 * time.Hour)
	newSonarr := func(t *testing.T) (*httptest.Server, *commandLog) {
		return newFakeSonarr(t,
			[]map[string]any{
				episodeRecord(11, 5, 1, 1, aired),
				episodeRecord(12, 5, 1, 2, aired),
				episodeRecord(13, 5, 1, 3, aired),
			},
			map[string][]map[string]any{"5": {
				inventoryRecord(1, aired, true),
				inventoryRecord(1, aired, false),
				inventoryRecord(1, aired, false),
				inventoryRecord(1, aired, false),
			}},
		)
	}
	seedSeasonAction := func(t *testing.T, eng *Engine, at time.Time) {
		t.Helper()
		_, err := eng.Store().Conn().ExecContext(context.Background(),
			`INSERT INTO item_action(app_type, instance_id, item_key, last_action_at, title)
			 VALUES('sonarr', 1, 'season:5:1', ?, 'Show Season 01 (Pack)')`,
			iso(at))
		require.NoError(t, err)
	}

	t.Run("pack searched 7h ago retries under the 6h fast-retry cap", func(t *testing.T) {
		srv, cmds := newSonarr(t)
		app := baseAppConfig()
		app.ItemRetryHours = 12
		cfg := &config.Config{App: app, Sonarr: []config.InstanceConfig{testInstance("Sonarr Main", srv.URL)}}
		eng := newTestEngine(t, cfg)
		seedSeasonAction(t, eng, now.Add(-7*time.Hour))

		stats, err := eng.RunCycle(context.Background(), false, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.ActionsTriggered)
		assert.Equal(t, 0, stats.SkippedCooldown)
		assert.Equal(t, []string{"SeasonSearch"}, cmds.names())
	})

	t.Run("pack searched 5h ago still skips the group", func(t *testing.T) {
		srv, cmds := newSonarr(t)
		app := baseAppConfig()
		app.ItemRetryHours = 12
		cfg := &config.Config{App: app, Sonarr: []config.InstanceConfig{testInstance("Sonarr Main", srv.URL)}}
		eng := newTestEngine(t, cfg)
		seedSeasonAction(t, eng, now.Add(-5*time.Hour))

		stats, err := eng.RunCycle(context.Background(), false, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.ActionsTriggered)
		assert.Equal(t, 1, stats.SkippedCooldown)
		assert.Empty(t, cmds.names())
	})
}

func TestSonarrSmartModeSparseSeasonGoesPerEpisode(t *testing.T) {
	now := time.Now().UTC()
	aired := now.AddDate(0, 0, -30)
	inventory := make([]map[string]any, 0, 20)
	for i := 0; i < 20; i++ {
		inventory = append(inventory, inventoryRecord(1, aired, i != 4))
	}
	srv, cmds := newFakeSonarr(t,
		[]map[string]any{episodeRecord(11, 5, 1, 5, aired)},
		map[string][]map[string]any{"5": inventory},
	)
	cfg := &config.Config{App: baseAppConfig(), Sonarr: []config.InstanceConfig{testInstance("Sonarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActionsTriggered)
	assert.Equal(t, []string{"EpisodeSearch"}, cmds.names())
}

func TestSonarrShowsModeBatchesSeries(t *testing.T) {
	now := time.Now().UTC()
	aired := now.AddDate(0, 0, -30)
	srv, cmds := newFakeSonarr(t,
		[]map[string]any{
			episodeRecord(11, 5, 1, 1, aired),
			episodeRecord(12, 5, 2, 1, aired),
			episodeRecord(21, 6, 1, 1, aired.AddDate(0, 0, 5)),
		},
		map[string][]map[string]any{
			"5": {inventoryRecord(1, aired, true)},
			"6": {inventoryRecord(1, aired, true)},
		},
	)
	inst := testInstance("Sonarr Main", srv.URL)
	inst.SonarrMissingMode = config.ModeShows
	cfg := &config.Config{App: baseAppConfig(), Sonarr: []config.InstanceConfig{inst}}
	eng := newTestEngine(t, cfg)

	stats, err := eng.RunCycle(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActionsTriggered, "one batch per series")
	assert.Equal(t, []string{"EpisodeSearch", "EpisodeSearch"}, cmds.names())

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	var batchSizes []int
	for _, cmd := range cmds.commands {
		ids, ok := cmd["episodeIds"].([]any)
		require.True(t, ok)
		batchSizes = append(batchSizes, len(ids))
	}
	assert.ElementsMatch(t, []int{1, 2}, batchSizes, "series 5 batches both episodes")
}

func TestRunInstanceSkipsWhenNotDue(t *testing.T) {
	now := time.Now().UTC()
	srv, cmds := newFakeRadarr(t, []map[string]any{movieRecord(1, "Alpha", now.AddDate(0, 0, -30))}, nil)
	cfg := &config.Config{App: baseAppConfig(), Radarr: []config.InstanceConfig{testInstance("Radarr Main", srv.URL)}}
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.Store().SetNextSyncTime(context.Background(), "radarr", 1, iso(now.Add(time.Hour))))

	stats, err := eng.RunInstance(context.Background(), "radarr", 1, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ActionsTriggered)
	assert.Empty(t, cmds.names())

	forced, err := eng.RunInstance(context.Background(), "radarr", 1, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, forced.ActionsTriggered)
}

func TestQuietHoursEnd(t *testing.T) {
	est, ok := timeutil.FixedOffsetLocation("-05:00")
	require.True(t, ok)

	t.Run("inside a wrapping window", func(t *testing.T) {
		// 08:00 UTC is 03:00 local: inside 23:00-06:00.
		now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
		end, quiet := quietHoursEnd(now, "23:00", "06:00", est)
		require.True(t, quiet)
		assert.Equal(t, time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), end)
	})

	t.Run("window end is exclusive", func(t *testing.T) {
		// 11:00 UTC is exactly 06:00 local.
		now := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)
		_, quiet := quietHoursEnd(now, "23:00", "06:00", est)
		assert.False(t, quiet)
	})

	t.Run("before a wrapping window starts", func(t *testing.T) {
		// 20:00 local.
		now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
		_, quiet := quietHoursEnd(now, "23:00", "06:00", est)
		assert.False(t, quiet)
	})

	t.Run("after a wrapping window starts", func(t *testing.T) {
		// 23:30 local: end is tomorrow 06:00 local.
		now := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
		end, quiet := quietHoursEnd(now, "23:00", "06:00", est)
		require.True(t, quiet)
		assert.Equal(t, time.Date(2026, 3, 11, 11, 0, 0, 0, time.UTC), end)
	})

	t.Run("plain daytime window", func(t *testing.T) {
		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		end, quiet := quietHoursEnd(now, "06:00", "08:00", time.UTC)
		assert.False(t, quiet)
		end, quiet = quietHoursEnd(now.Add(-5*time.Hour), "06:00", "08:00", time.UTC)
		require.True(t, quiet)
		assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), end)
	})

	t.Run("unparseable bounds disable the window", func(t *testing.T) {
		_, quiet := quietHoursEnd(time.Now().UTC(), "bogus", "06:00", time.UTC)
		assert.False(t, quiet)
	})
}

func TestCollectWakeup(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	isoOf := func(s string) string { return s }

	t.Run("earliest eligible instant wins", func(t *testing.T) {
		items := []string{
			iso(now.Add(-2 * time.Hour)),
			iso(now.Add(-1 * time.Hour)),
		}
		wakeup := collectWakeup(now, 8, items, isoOf)
		assert.Equal(t, now.Add(6*time.Hour), wakeup)
	})

	t.Run("old and future releases ignored", func(t *testing.T) {
		items := []string{
			iso(now.AddDate(0, 0, -10)),
			iso(now.Add(time.Hour)),
			"not a date",
		}
		assert.True(t, collectWakeup(now, 8, items, isoOf).IsZero())
	})

	t.Run("disabled gate yields nothing", func(t *testing.T) {
		assert.True(t, collectWakeup(now, 0, []string{iso(now)}, isoOf).IsZero())
	})
}

func TestPacerWait(t *testing.T) {
	p := NewPacer()
	require.NoError(t, p.Wait(context.Background(), 5), "no prior action means no wait")

	p.Mark()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx, 5), context.Canceled)

	require.NoError(t, p.Wait(context.Background(), 0))
}
