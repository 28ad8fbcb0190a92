package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("radarr", srv.URL, "test-key", 5, true, zerolog.Nop())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestRequestSetsAPIKeyHeader(t *testing.T) {
	var gotKey string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		writeJSON(t, w, []any{})
	}))

	_, err := c.FetchCalendar(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "test-key", gotKey)
}

func TestRequestErrorHints(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		c := NewClient("radarr", "http://127.0.0.1:1", "k", 2, true, zerolog.Nop())
		_, err := c.FetchWantedMovies(context.Background(), true, false)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "radarr", reqErr.App)
		assert.Contains(t, reqErr.Message, "Cannot connect")
		assert.Contains(t, reqErr.Hint, "Check the instance URL/port")
	})

	t.Run("http error includes status and body snippet", func(t *testing.T) {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, "Unauthorized: bad api key")
		}))
		_, err := c.FetchWantedMovies(context.Background(), true, false)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Contains(t, reqErr.Message, "HTTP 401")
		assert.Contains(t, reqErr.Message, "bad api key")
		assert.Contains(t, reqErr.Hint, "API key")
	})

	t.Run("invalid json", func(t *testing.T) {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>not json</html>")
		}))
		_, err := c.FetchCalendar(context.Background(), time.Now(), time.Now())
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "Invalid JSON response", reqErr.Message)
	})
}

func TestTriggerAcceptsEmptyBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v3/command", r.URL.Path)
		var cmd map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		assert.Equal(t, "MoviesSearch", cmd["name"])
		// No response body at all.
	}))

	assert.True(t, c.TriggerMovieSearch(context.Background(), 42))
}

func TestTriggerFailureReturnsFalse(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	assert.False(t, c.TriggerMovieSearch(context.Background(), 42))
	assert.False(t, c.TriggerSeasonSearch(context.Background(), 1, 2))
	assert.False(t, c.TriggerEpisodeSearchBulk(context.Background(), []int{1, 2}))
}

func TestTriggerEpisodeSearchBulkEmptyIDs(t *testing.T) {
	called := false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	assert.False(t, c.TriggerEpisodeSearchBulk(context.Background(), []int{0, -1}))
	assert.False(t, called)
}

func TestFetchWantedMoviesCutoffPrecedence(t *testing.T) {
	cutoffTrue, cutoffFalse := true, false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie":
			writeJSON(t, w, []any{})
		case "/api/v3/wanted/missing":
			writeJSON(t, w, map[string]any{"records": []any{}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, map[string]any{"records": []movieRow{
				{ID: 202, Title: "Wanted Upgrade", QualityCutoffNotMet: &cutoffTrue},
				{ID: 201, Title: "Already Good", QualityCutoffNotMet: &cutoffFalse},
			}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	movies, err := c.FetchWantedMovies(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.Equal(t, 202, movies[0].MovieID)
	assert.Equal(t, KindCutoff, movies[0].WantedKind)
}

func TestFetchWantedMoviesMissingWins(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie":
			writeJSON(t, w, []any{})
		case "/api/v3/wanted/missing":
			writeJSON(t, w, map[string]any{"records": []movieRow{{ID: 7, Title: "Both Lists"}}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, map[string]any{"records": []movieRow{{ID: 7, Title: "Both Lists"}}})
		}
	}))

	movies, err := c.FetchWantedMovies(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.Equal(t, KindMissing, movies[0].WantedKind)
	assert.Equal(t, "movie:7", movies[0].ItemKey())
}

func TestFetchWantedMoviesFiltersUnmonitored(t *testing.T) {
	notMonitored := false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie":
			writeJSON(t, w, []movieRow{
				{ID: 1, Monitored: &notMonitored},
			})
		case "/api/v3/wanted/missing":
			writeJSON(t, w, map[string]any{"records": []movieRow{
				{ID: 1, Title: "Paused"},
				{ID: 2, Title: "Active", Monitored: nil},
			}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, map[string]any{"records": []any{}})
		}
	}))

	movies, err := c.FetchWantedMovies(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, movies, 1)
	assert.Equal(t, 2, movies[0].MovieID)
}

func TestFetchWantedMoviesPagination(t *testing.T) {
	pages := map[string]int{}
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/movie":
			writeJSON(t, w, []any{})
		case "/api/v3/wanted/missing":
			page := r.URL.Query().Get("page")
			pages[page]++
			assert.Equal(t, "250", r.URL.Query().Get("pageSize"))
			if page == "1" {
				rows := make([]movieRow, wantedPageSize)
				for i := range rows {
					rows[i] = movieRow{ID: i + 1, Title: fmt.Sprintf("Movie %d", i+1)}
				}
				writeJSON(t, w, map[string]any{"records": rows})
				return
			}
			writeJSON(t, w, map[string]any{"records": []movieRow{{ID: 9001, Title: "Last One"}}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, map[string]any{"records": []any{}})
		}
	}))

	movies, err := c.FetchWantedMovies(context.Background(), true, true)
	require.NoError(t, err)
	assert.Len(t, movies, wantedPageSize+1)
	assert.Equal(t, 1, pages["1"])
	assert.Equal(t, 1, pages["2"])
}

func TestFetchWantedEpisodesMonitoring(t *testing.T) {
	notMonitored := false
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/series":
			writeJSON(t, w, []map[string]any{
				{"id": 10, "title": "Kept Show", "tvdbId": 111, "monitored": true},
				{"id": 20, "title": "Dropped Show", "tvdbId": 222, "monitored": false},
			})
		case "/api/v3/wanted/missing":
			writeJSON(t, w, map[string]any{"records": []episodeRow{
				{ID: 1, SeriesID: 10, SeasonNumber: 1, EpisodeNumber: 1, AirDateUTC: "2026-01-01T00:00:00Z"},
				{ID: 2, SeriesID: 20, SeasonNumber: 1, EpisodeNumber: 1},
				{ID: 3, SeriesID: 10, SeasonNumber: 1, EpisodeNumber: 2, Monitored: &notMonitored},
			}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, map[string]any{"records": []any{}})
		}
	}))

	episodes, err := c.FetchWantedEpisodes(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, 1, episodes[0].EpisodeID)
	assert.Equal(t, "Kept Show", episodes[0].SeriesTitle)
	assert.Equal(t, 111, episodes[0].SeriesTvdbID)
	assert.Equal(t, "episode:1", episodes[0].ItemKey())
}

func TestFetchWantedEpisodesBareArrayResponse(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/series":
			writeJSON(t, w, []any{})
		case "/api/v3/wanted/missing":
			writeJSON(t, w, []episodeRow{{ID: 5, SeriesID: 1, SeasonNumber: 2, EpisodeNumber: 3}})
		case "/api/v3/wanted/cutoff":
			writeJSON(t, w, []any{})
		}
	}))

	episodes, err := c.FetchWantedEpisodes(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, 5, episodes[0].EpisodeID)
}

func TestFetchSeasonInventoryTracksUnaired(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/episode", r.URL.Path)
		assert.Equal(t, "123", r.URL.Query().Get("seriesId"))
		writeJSON(t, w, []map[string]any{
			{"seasonNumber": 1, "airDateUtc": "2025-01-01T00:00:00Z", "hasFile": true},
			{"seasonNumber": 1, "airDateUtc": "2025-01-02T00:00:00Z", "hasFile": false},
			{"seasonNumber": 1, "airDateUtc": "2099-01-01T00:00:00Z", "hasFile": false},
			{"seasonNumber": 0, "airDateUtc": "2025-01-01T00:00:00Z", "hasFile": false},
		})
	}))

	inv := c.FetchSeasonInventory(context.Background(), 123)
	require.Contains(t, inv, 1)
	assert.Equal(t, 2, inv[1].AiredTotal)
	assert.Equal(t, 1, inv[1].AiredDownloaded)
	assert.Equal(t, 1, inv[1].UnairedTotal)
	assert.NotContains(t, inv, 0, "specials are excluded")
}

func TestFetchSeasonInventoryBestEffort(t *testing.T) {
	c := NewClient("sonarr", "http://127.0.0.1:1", "k", 1, true, zerolog.Nop())
	inv := c.FetchSeasonInventory(context.Background(), 5)
	assert.Empty(t, inv)
}

func TestFetchCalendarDateOnlyWindow(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-08-21", r.URL.Query().Get("start"))
		assert.Equal(t, "2026-08-25", r.URL.Query().Get("end"))
		writeJSON(t, w, []map[string]any{
			{"id": 9, "digitalRelease": "2026-08-22T00:00:00Z"},
		})
	}))

	start := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	entries, err := c.FetchCalendar(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 9, entries[0].MovieID)
	rel, ok := entries[0].ReleaseTime()
	require.True(t, ok)
	assert.Equal(t, 2026, rel.Year())
}
