// Package arr is a stateless client for a single Radarr or Sonarr instance:
// paged wanted lists, calendar windows, season inventory and search commands.
package arr

import (
	"fmt"
	"time"

	"github.com/seekarr/seekarr/internal/timeutil"
)

// Wanted kinds.
const (
	KindMissing = "missing"
	KindCutoff  = "cutoff"
)

// WantedMovie is one monitored Radarr item from the wanted lists.
type WantedMovie struct {
	MovieID        int
	Title          string
	Year           int
	TmdbID         int
	ImdbID         string
	ReleaseDateUTC string
	WantedKind     string
}

// ItemKey returns the stable state-store key for the movie.
func (m WantedMovie) ItemKey() string {
	return fmt.Sprintf("movie:%d", m.MovieID)
}

// ReleaseTime parses the release timestamp, ok=false when unknown.
func (m WantedMovie) ReleaseTime() (time.Time, bool) {
	return timeutil.Parse(m.ReleaseDateUTC)
}

// WantedEpisode is one monitored Sonarr item from the wanted lists.
type WantedEpisode struct {
	EpisodeID     int
	SeriesID      int
	SeriesTitle   string
	SeriesTvdbID  int
	SeasonNumber  int
	EpisodeNumber int
	AirDateUTC    string
	WantedKind    string
}

// ItemKey returns the stable state-store key for the episode.
func (e WantedEpisode) ItemKey() string {
	return fmt.Sprintf("episode:%d", e.EpisodeID)
}

// AirTime parses the air timestamp, ok=false when unknown.
func (e WantedEpisode) AirTime() (time.Time, bool) {
	return timeutil.Parse(e.AirDateUTC)
}

// CalendarEntry is one row of an Arr calendar window. Radarr rows carry
// movie ids and release dates; Sonarr rows carry episode coordinates.
type CalendarEntry struct {
	ID            int
	MovieID       int
	SeriesID      int
	SeasonNumber  int
	EpisodeNumber int
	ReleaseUTC    string
	AirDateUTC    string
}

// ReleaseTime parses whichever timestamp the entry carries.
func (c CalendarEntry) ReleaseTime() (time.Time, bool) {
	if t, ok := timeutil.Parse(c.ReleaseUTC); ok {
		return t, true
	}
	return timeutil.Parse(c.AirDateUTC)
}

// SeasonInventory counts episodes known to Sonarr for one season.
type SeasonInventory struct {
	AiredTotal      int
	AiredDownloaded int
	UnairedTotal    int
}
