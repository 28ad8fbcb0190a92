package scheduler

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
	"github.com/seekarr/seekarr/internal/engine"
	"github.com/seekarr/seekarr/internal/store"
	"github.com/seekarr/seekarr/internal/timeutil"
)

func newSupervisorFixture(t *testing.T) (*Supervisor, *store.Store, func() int) {
	t.Helper()

	var mu sync.Mutex
	commands := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/movie", "/api/v3/calendar":
			_ = json.NewEncoder(w).Encode([]any{})
		case "/api/v3/wanted/missing":
			_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{
				{"id": 1, "title": "Alpha", "digitalRelease": timeutil.FormatUTC(time.Now().UTC().AddDate(0, 0, -30))},
			}})
		case "/api/v3/wanted/cutoff":
			_ = json.NewEncoder(w).Encode(map[string]any{"records": []any{}})
		case "/api/v3/command":
			mu.Lock()
			commands++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 1})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	st, err := store.Open(filepath.Join(t.TempDir(), "seekarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		App: config.AppConfig{
			ItemRetryHours:           12,
			MaxMissingActionsPerSync: 5,
			MaxCutoffActionsPerSync:  1,
			RateWindowMinutes:        30,
			RateCapPerInstance:       10,
			RequestTimeoutSeconds:    5,
			VerifySSL:                true,
		},
		Radarr: []config.InstanceConfig{{
			InstanceID:      1,
			InstanceName:    "Radarr Main",
			Enabled:         true,
			IntervalMinutes: 15,
			SearchMissing:   true,
			SearchOrder:     config.OrderNewest,
			Arr:             config.ArrConfig{URL: srv.URL, APIKey: "k"},
		}},
	}

	eng := engine.New(cfg, st, zerolog.Nop())
	var runMu sync.Mutex
	sup, err := New(eng, zerolog.Nop(), &runMu, nil)
	require.NoError(t, err)

	return sup, st, func() int {
		mu.Lock()
		defer mu.Unlock()
		return commands
	}
}

func TestSupervisorForcedStartRunsInstance(t *testing.T) {
	sup, st, commandCount := newSupervisorFixture(t)

	sup.Start(true)
	defer sup.Stop()

	require.Eventually(t, func() bool { return commandCount() >= 1 }, 10*time.Second, 50*time.Millisecond)

	_, ok, err := st.SchedulerHeartbeat(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	next, ok, err := st.NextSyncTime(context.Background(), "radarr", 1)
	require.NoError(t, err)
	require.True(t, ok)
	nextTime, parsed := timeutil.Parse(next)
	require.True(t, parsed)
	assert.WithinDuration(t, time.Now().UTC().Add(15*time.Minute), nextTime, time.Minute)
}

func TestSupervisorStopJoinsLoops(t *testing.T) {
	sup, _, _ := newSupervisorFixture(t)
	sup.Start(false)

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorMaintenanceRegistered(t *testing.T) {
	sup, _, _ := newSupervisorFixture(t)
	tasks := sup.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "maintenance", tasks[0].ID)
}

func TestSleepUntilDueClamps(t *testing.T) {
	sup, st, _ := newSupervisorFixture(t)
	ctx := context.Background()
	inst := sup.eng.Config().Radarr[0]

	// No stored due time: short poll.
	assert.Equal(t, lockRetryDelay, sup.sleepUntilDue(ctx, "radarr", inst))

	require.NoError(t, st.SetNextSyncTime(ctx, "radarr", 1, timeutil.FormatUTC(time.Now().UTC().Add(time.Hour))))
	assert.Equal(t, maxSleepSlice, sup.sleepUntilDue(ctx, "radarr", inst))

	require.NoError(t, st.SetNextSyncTime(ctx, "radarr", 1, timeutil.FormatUTC(time.Now().UTC().Add(-time.Hour))))
	assert.Equal(t, lockRetryDelay, sup.sleepUntilDue(ctx, "radarr", inst))
}
