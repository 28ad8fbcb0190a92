package arr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seekarr/seekarr/internal/timeutil"
)

const wantedPageSize = 250

// Client talks to a single upstream instance. It holds no mutable state and
// is safe to construct per cycle.
type Client struct {
	app     string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a client for one upstream. app is the display name used
// in errors and logs ("radarr", "sonarr").
func NewClient(app, rawURL, apiKey string, timeoutSeconds int, verifySSL bool, log zerolog.Logger) *Client {
	timeout := time.Duration(timeoutSeconds) * time.Second
	transport := http.DefaultTransport
	if !verifySSL {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &Client{
		app:     app,
		baseURL: strings.TrimRight(rawURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		log:     log,
	}
}

// App returns the display name this client reports errors under.
func (c *Client) App() string { return c.app }

// BaseURL returns the normalized upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) requestError(method, path, message, hint string) *RequestError {
	return &RequestError{
		App:     c.app,
		BaseURL: c.baseURL,
		Method:  method,
		Path:    path,
		Message: message,
		Hint:    hint,
	}
}

// request performs one upstream call and returns the raw body. An empty
// response body comes back as an empty JSON object.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, c.requestError(method, path, "failed to encode request body", "")
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, c.requestError(method, path, err.Error(), "")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, c.requestError(method, path,
				fmt.Sprintf("Request timed out after %ds", int(c.timeout.Seconds())),
				"Increase request_timeout_seconds or check network latency.")
		}
		return nil, c.requestError(method, path,
			"Cannot connect (connection refused/unreachable)",
			"Check the instance URL/port and that the service is running.")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.requestError(method, path, "failed to read response body", "")
	}

	if resp.StatusCode >= 400 {
		snippet := strings.ReplaceAll(strings.TrimSpace(string(raw)), "\n", " ")
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if snippet != "" {
			msg = fmt.Sprintf("%s (%s)", msg, snippet)
		}
		return nil, c.requestError(method, path, msg,
			"Check API key permissions and that the endpoint exists for your Arr version.")
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	return raw, nil
}

func (c *Client) decode(method, path string, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return c.requestError(method, path, "Invalid JSON response", "")
	}
	return nil
}

// fetchPagedRecords drains a wanted endpoint. Both the paged object shape
// ({"records": [...]}) and a bare array are accepted.
func (c *Client) fetchPagedRecords(ctx context.Context, path string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	for page := 1; ; page++ {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"pageSize": {strconv.Itoa(wantedPageSize)},
		}
		raw, err := c.request(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return nil, err
		}

		var chunk []json.RawMessage
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := c.decode(http.MethodGet, path, raw, &chunk); err != nil {
				return nil, err
			}
		} else {
			var paged struct {
				Records []json.RawMessage `json:"records"`
			}
			if err := c.decode(http.MethodGet, path, raw, &paged); err != nil {
				return nil, err
			}
			chunk = paged.Records
		}

		if len(chunk) == 0 {
			break
		}
		records = append(records, chunk...)
		if len(chunk) < wantedPageSize {
			break
		}
	}
	return records, nil
}

type movieRow struct {
	ID                  int       `json:"id"`
	MovieID             int       `json:"movieId"`
	Title               string    `json:"title"`
	Year                int       `json:"year"`
	TmdbID              int       `json:"tmdbId"`
	ImdbID              string    `json:"imdbId"`
	Monitored           *bool     `json:"monitored"`
	QualityCutoffNotMet *bool     `json:"qualityCutoffNotMet"`
	DigitalRelease      string    `json:"digitalRelease"`
	PhysicalRelease     string    `json:"physicalRelease"`
	InCinemas           string    `json:"inCinemas"`
	Movie               *movieRow `json:"movie"`
}

func (r movieRow) releaseUTC() string {
	return firstNonEmpty(r.DigitalRelease, r.PhysicalRelease, r.InCinemas)
}

type movieMeta struct {
	monitored      bool
	releaseDateUTC string
}

// movieMetaLookup indexes /api/v3/movie by id. Best-effort: upstream trouble
// yields an empty map and wanted rows fall back to their embedded fields.
func (c *Client) movieMetaLookup(ctx context.Context) map[int]movieMeta {
	lookup := map[int]movieMeta{}
	raw, err := c.request(ctx, http.MethodGet, "/api/v3/movie", nil, nil)
	if err != nil {
		c.log.Debug().Err(err).Msg("movie listing unavailable, using wanted-row metadata")
		return lookup
	}
	var rows []movieRow
	if err := c.decode(http.MethodGet, "/api/v3/movie", raw, &rows); err != nil {
		return lookup
	}
	for _, row := range rows {
		if row.ID <= 0 {
			continue
		}
		lookup[row.ID] = movieMeta{
			monitored:      row.Monitored == nil || *row.Monitored,
			releaseDateUTC: row.releaseUTC(),
		}
	}
	return lookup
}

// FetchWantedMovies drains the wanted lists for a Radarr instance. When an id
// appears in both lists the missing entry wins. Unmonitored movies are
// filtered out.
func (c *Client) FetchWantedMovies(ctx context.Context, searchMissing, searchCutoffUnmet bool) ([]WantedMovie, error) {
	meta := c.movieMetaLookup(ctx)

	var missingRows, cutoffRows []json.RawMessage
	var err error
	if searchMissing {
		if missingRows, err = c.fetchPagedRecords(ctx, "/api/v3/wanted/missing"); err != nil {
			return nil, err
		}
	}
	if searchCutoffUnmet {
		if cutoffRows, err = c.fetchPagedRecords(ctx, "/api/v3/wanted/cutoff"); err != nil {
			return nil, err
		}
	}

	seen := map[int]int{}
	var out []WantedMovie
	for _, batch := range []struct {
		kind string
		rows []json.RawMessage
	}{{KindMissing, missingRows}, {KindCutoff, cutoffRows}} {
		for _, rawRow := range batch.rows {
			var row movieRow
			if json.Unmarshal(rawRow, &row) != nil {
				continue
			}
			movieID := firstNonZero(row.ID, row.MovieID)
			if movieID <= 0 {
				continue
			}
			if _, dup := seen[movieID]; dup {
				continue
			}
			// A cutoff row that says its cutoff is already met is not wanted.
			if batch.kind == KindCutoff && row.QualityCutoffNotMet != nil && !*row.QualityCutoffNotMet {
				continue
			}

			m, known := meta[movieID]
			monitored := row.Monitored
			if monitored == nil && row.Movie != nil {
				monitored = row.Movie.Monitored
			}
			if known {
				if !m.monitored {
					continue
				}
			} else if monitored != nil && !*monitored {
				continue
			}

			releaseUTC := m.releaseDateUTC
			if releaseUTC == "" {
				releaseUTC = row.releaseUTC()
			}
			if releaseUTC == "" && row.Movie != nil {
				releaseUTC = row.Movie.releaseUTC()
			}

			seen[movieID] = len(out)
			out = append(out, WantedMovie{
				MovieID:        movieID,
				Title:          row.Title,
				Year:           row.Year,
				TmdbID:         row.TmdbID,
				ImdbID:         strings.ToLower(row.ImdbID),
				ReleaseDateUTC: releaseUTC,
				WantedKind:     batch.kind,
			})
		}
	}
	return out, nil
}

type episodeRow struct {
	ID            int    `json:"id"`
	EpisodeID     int    `json:"episodeId"`
	SeriesID      int    `json:"seriesId"`
	SeriesTitle   string `json:"seriesTitle"`
	SeriesTvdbID  int    `json:"seriesTvdbId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	AirDateUTC    string `json:"airDateUtc"`
	AirDate       string `json:"airDate"`
	Monitored     *bool  `json:"monitored"`
	HasFile       bool   `json:"hasFile"`

	QualityCutoffNotMet *bool `json:"qualityCutoffNotMet"`
	Series              *struct {
		ID        int    `json:"id"`
		Title     string `json:"title"`
		TvdbID    int    `json:"tvdbId"`
		Monitored *bool  `json:"monitored"`
	} `json:"series"`
}

type seriesInfo struct {
	title     string
	tvdbID    int
	monitored bool
}

// seriesLookup indexes /api/v3/series by id. Best-effort.
func (c *Client) seriesLookup(ctx context.Context) map[int]seriesInfo {
	lookup := map[int]seriesInfo{}
	raw, err := c.request(ctx, http.MethodGet, "/api/v3/series", nil, nil)
	if err != nil {
		c.log.Debug().Err(err).Msg("series listing unavailable, using wanted-row metadata")
		return lookup
	}
	var rows []struct {
		ID        int    `json:"id"`
		Title     string `json:"title"`
		TvdbID    int    `json:"tvdbId"`
		Monitored *bool  `json:"monitored"`
	}
	if err := c.decode(http.MethodGet, "/api/v3/series", raw, &rows); err != nil {
		return lookup
	}
	for _, row := range rows {
		if row.ID <= 0 {
			continue
		}
		lookup[row.ID] = seriesInfo{
			title:     strings.TrimSpace(row.Title),
			tvdbID:    row.TvdbID,
			monitored: row.Monitored == nil || *row.Monitored,
		}
	}
	return lookup
}

// FetchWantedEpisodes drains the wanted lists for a Sonarr instance. Missing
// wins over cutoff. Series and episode must both be monitored where the
// endpoint exposes the flag.
func (c *Client) FetchWantedEpisodes(ctx context.Context, searchMissing, searchCutoffUnmet bool) ([]WantedEpisode, error) {
	var missingRows, cutoffRows []json.RawMessage
	var err error
	if searchMissing {
		if missingRows, err = c.fetchPagedRecords(ctx, "/api/v3/wanted/missing"); err != nil {
			return nil, err
		}
	}
	if searchCutoffUnmet {
		if cutoffRows, err = c.fetchPagedRecords(ctx, "/api/v3/wanted/cutoff"); err != nil {
			return nil, err
		}
	}
	series := c.seriesLookup(ctx)

	seen := map[int]struct{}{}
	var out []WantedEpisode
	for _, batch := range []struct {
		kind string
		rows []json.RawMessage
	}{{KindMissing, missingRows}, {KindCutoff, cutoffRows}} {
		for _, rawRow := range batch.rows {
			var row episodeRow
			if json.Unmarshal(rawRow, &row) != nil {
				continue
			}
			episodeID := firstNonZero(row.ID, row.EpisodeID)
			if episodeID <= 0 {
				continue
			}
			if _, dup := seen[episodeID]; dup {
				continue
			}
			if batch.kind == KindCutoff && row.QualityCutoffNotMet != nil && !*row.QualityCutoffNotMet {
				continue
			}

			seriesID := row.SeriesID
			if seriesID == 0 && row.Series != nil {
				seriesID = row.Series.ID
			}
			fallback, hasFallback := series[seriesID]

			var seriesMonitored *bool
			if row.Series != nil {
				seriesMonitored = row.Series.Monitored
			}
			if seriesMonitored == nil && hasFallback && !fallback.monitored {
				continue
			}
			if seriesMonitored != nil && !*seriesMonitored {
				continue
			}
			if row.Monitored != nil && !*row.Monitored {
				continue
			}

			title := row.SeriesTitle
			tvdbID := row.SeriesTvdbID
			if row.Series != nil {
				title = firstNonEmpty(row.Series.Title, title)
				tvdbID = firstNonZero(row.Series.TvdbID, tvdbID)
			}
			title = firstNonEmpty(title, fallback.title)
			tvdbID = firstNonZero(tvdbID, fallback.tvdbID)

			seen[episodeID] = struct{}{}
			out = append(out, WantedEpisode{
				EpisodeID:     episodeID,
				SeriesID:      seriesID,
				SeriesTitle:   title,
				SeriesTvdbID:  tvdbID,
				SeasonNumber:  row.SeasonNumber,
				EpisodeNumber: row.EpisodeNumber,
				AirDateUTC:    strings.TrimSpace(firstNonEmpty(row.AirDateUTC, row.AirDate)),
				WantedKind:    batch.kind,
			})
		}
	}
	return out, nil
}

type calendarRow struct {
	ID              int    `json:"id"`
	MovieID         int    `json:"movieId"`
	SeriesID        int    `json:"seriesId"`
	SeasonNumber    int    `json:"seasonNumber"`
	EpisodeNumber   int    `json:"episodeNumber"`
	EpisodeID       int    `json:"episodeId"`
	DigitalRelease  string `json:"digitalRelease"`
	PhysicalRelease string `json:"physicalRelease"`
	InCinemas       string `json:"inCinemas"`
	ReleaseDate     string `json:"releaseDate"`
	AirDateUTC      string `json:"airDateUtc"`
	AirDate         string `json:"airDate"`
}

// FetchCalendar returns the upstream calendar for a date window. Dates are
// sent date-only.
func (c *Client) FetchCalendar(ctx context.Context, start, end time.Time) ([]CalendarEntry, error) {
	query := url.Values{
		"start": {start.UTC().Format("2006-01-02")},
		"end":   {end.UTC().Format("2006-01-02")},
	}
	raw, err := c.request(ctx, http.MethodGet, "/api/v3/calendar", query, nil)
	if err != nil {
		return nil, err
	}
	var rows []calendarRow
	if err := c.decode(http.MethodGet, "/api/v3/calendar", raw, &rows); err != nil {
		return nil, err
	}

	out := make([]CalendarEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, CalendarEntry{
			ID:            firstNonZero(row.ID, row.EpisodeID),
			MovieID:       firstNonZero(row.ID, row.MovieID),
			SeriesID:      row.SeriesID,
			SeasonNumber:  row.SeasonNumber,
			EpisodeNumber: row.EpisodeNumber,
			ReleaseUTC:    firstNonEmpty(row.DigitalRelease, row.PhysicalRelease, row.InCinemas, row.ReleaseDate),
			AirDateUTC:    firstNonEmpty(row.AirDateUTC, row.AirDate),
		})
	}
	return out, nil
}

// FetchSeasonInventory counts aired and downloaded episodes per season for
// one series. Best-effort: upstream trouble yields an empty map. Specials
// (season 0) are excluded.
func (c *Client) FetchSeasonInventory(ctx context.Context, seriesID int) map[int]SeasonInventory {
	out := map[int]SeasonInventory{}
	query := url.Values{"seriesId": {strconv.Itoa(seriesID)}}
	raw, err := c.request(ctx, http.MethodGet, "/api/v3/episode", query, nil)
	if err != nil {
		c.log.Debug().Err(err).Int("series_id", seriesID).Msg("season inventory unavailable")
		return out
	}
	var rows []episodeRow
	if err := c.decode(http.MethodGet, "/api/v3/episode", raw, &rows); err != nil {
		return out
	}

	nowUTC := time.Now().UTC()
	for _, row := range rows {
		if row.SeasonNumber <= 0 {
			continue
		}
		// Unknown air dates count as aired.
		aired := true
		airISO := firstNonEmpty(row.AirDateUTC, row.AirDate)
		if airISO != "" {
			if t, ok := timeutil.Parse(airISO); ok && t.After(nowUTC) {
				aired = false
			}
		}
		slot := out[row.SeasonNumber]
		if aired {
			slot.AiredTotal++
			if row.HasFile {
				slot.AiredDownloaded++
			}
		} else {
			slot.UnairedTotal++
		}
		out[row.SeasonNumber] = slot
	}
	return out
}

// TriggerMovieSearch issues a MoviesSearch command. Failures log a warning
// and report false rather than erroring.
func (c *Client) TriggerMovieSearch(ctx context.Context, movieID int) bool {
	_, err := c.request(ctx, http.MethodPost, "/api/v3/command", nil,
		map[string]any{"name": "MoviesSearch", "movieIds": []int{movieID}})
	if err != nil {
		c.log.Warn().Err(err).Int("movie_id", movieID).Msg("Radarr command failed")
		return false
	}
	return true
}

// TriggerEpisodeSearch issues an EpisodeSearch command for one episode.
func (c *Client) TriggerEpisodeSearch(ctx context.Context, episodeID int) bool {
	_, err := c.request(ctx, http.MethodPost, "/api/v3/command", nil,
		map[string]any{"name": "EpisodeSearch", "episodeIds": []int{episodeID}})
	if err != nil {
		c.log.Warn().Err(err).Int("episode_id", episodeID).Msg("Sonarr command failed")
		return false
	}
	return true
}

// TriggerEpisodeSearchBulk issues one EpisodeSearch command covering several
// episodes. An empty id list reports false without calling upstream.
func (c *Client) TriggerEpisodeSearchBulk(ctx context.Context, episodeIDs []int) bool {
	ids := make([]int, 0, len(episodeIDs))
	for _, id := range episodeIDs {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false
	}
	_, err := c.request(ctx, http.MethodPost, "/api/v3/command", nil,
		map[string]any{"name": "EpisodeSearch", "episodeIds": ids})
	if err != nil {
		c.log.Warn().Err(err).Int("episodes", len(ids)).Msg("Sonarr command failed")
		return false
	}
	return true
}

// TriggerSeasonSearch issues a SeasonSearch command for one season pack.
func (c *Client) TriggerSeasonSearch(ctx context.Context, seriesID, seasonNumber int) bool {
	_, err := c.request(ctx, http.MethodPost, "/api/v3/command", nil,
		map[string]any{"name": "SeasonSearch", "seriesId": seriesID, "seasonNumber": seasonNumber})
	if err != nil {
		c.log.Warn().Err(err).
			Int("series_id", seriesID).
			Int("season", seasonNumber).
			Msg("Sonarr command failed")
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
