// Package selector orders wanted items for processing: missing before cutoff,
// then newest/oldest/random/smart within each bucket, with season and series
// grouping for Sonarr bulk modes.
package selector

import (
	"math/rand"
	"sort"
	"time"

	"github.com/seekarr/seekarr/internal/arr"
)

const (
	// RecentWindowDays bounds the "recent" band of the smart ordering and
	// the recent-release fast-retry clamp.
	RecentWindowDays = 2

	// RecentRetryHours caps the per-item cooldown for items released inside
	// the recent window.
	RecentRetryHours = 6

	// OldestTailFraction of the dated middle is pinned to the end of a smart
	// ordering, oldest first, so ancient items still get attention.
	OldestTailFraction = 0.10
)

// Season-pack heuristics for Sonarr smart mode.
const (
	// SeasonPackMinMissing missing episodes together with
	// SeasonPackMinCoverage of the season justify a pack search.
	SeasonPackMinMissing  = 3
	SeasonPackMinCoverage = 0.6

	// SeasonPackAbsoluteMissing missing episodes always justify a pack.
	SeasonPackAbsoluteMissing = 6
)

// Triple addresses one episode by its upstream coordinates.
type Triple struct {
	SeriesID      int
	SeasonNumber  int
	EpisodeNumber int
}

// Boost holds the calendar window used by smart ordering. Only entries whose
// release/air time is already in the past are boosted.
type Boost struct {
	MovieTimes  map[int]time.Time
	EpisodeIDs  map[int]bool
	TripleTimes map[Triple]time.Time
}

// BuildMovieBoost indexes a Radarr calendar window for smart ordering.
func BuildMovieBoost(entries []arr.CalendarEntry, now time.Time) *Boost {
	b := &Boost{MovieTimes: map[int]time.Time{}}
	for _, e := range entries {
		released, ok := e.ReleaseTime()
		if !ok || released.After(now) {
			continue
		}
		if e.MovieID > 0 {
			b.MovieTimes[e.MovieID] = released
		}
	}
	return b
}

// BuildEpisodeBoost indexes a Sonarr calendar window for smart ordering.
func BuildEpisodeBoost(entries []arr.CalendarEntry, now time.Time) *Boost {
	b := &Boost{EpisodeIDs: map[int]bool{}, TripleTimes: map[Triple]time.Time{}}
	for _, e := range entries {
		aired, ok := e.ReleaseTime()
		if !ok || aired.After(now) {
			continue
		}
		if e.ID > 0 {
			b.EpisodeIDs[e.ID] = true
		}
		if e.SeriesID > 0 && e.EpisodeNumber > 0 {
			b.TripleTimes[Triple{e.SeriesID, e.SeasonNumber, e.EpisodeNumber}] = aired
		}
	}
	return b
}

func (b *Boost) movieTime(id int) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	t, ok := b.MovieTimes[id]
	return t, ok
}

func (b *Boost) episodeTime(e arr.WantedEpisode) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	triple := Triple{e.SeriesID, e.SeasonNumber, e.EpisodeNumber}
	if t, ok := b.TripleTimes[triple]; ok {
		return t, true
	}
	if b.EpisodeIDs[e.EpisodeID] {
		if t, ok := e.AirTime(); ok {
			return t, true
		}
		return time.Time{}, true
	}
	return time.Time{}, false
}

// SplitMovies partitions movies into missing then cutoff.
func SplitMovies(items []arr.WantedMovie) (missing, cutoff []arr.WantedMovie) {
	for _, it := range items {
		if it.WantedKind == arr.KindMissing {
			missing = append(missing, it)
		} else {
			cutoff = append(cutoff, it)
		}
	}
	return missing, cutoff
}

// SplitEpisodes partitions episodes into missing then cutoff.
func SplitEpisodes(items []arr.WantedEpisode) (missing, cutoff []arr.WantedEpisode) {
	for _, it := range items {
		if it.WantedKind == arr.KindMissing {
			missing = append(missing, it)
		} else {
			cutoff = append(cutoff, it)
		}
	}
	return missing, cutoff
}

// DropSpecials removes season-0 episodes whenever any non-special episode is
// wanted. A list of only specials passes through unchanged.
func DropSpecials(items []arr.WantedEpisode) []arr.WantedEpisode {
	var nonSpecial []arr.WantedEpisode
	for _, it := range items {
		if it.SeasonNumber != 0 {
			nonSpecial = append(nonSpecial, it)
		}
	}
	if len(nonSpecial) == 0 {
		return items
	}
	return nonSpecial
}

// OrderMovies sorts one wanted bucket according to the search order policy.
func OrderMovies(items []arr.WantedMovie, order string, boost *Boost, now time.Time, rng *rand.Rand) []arr.WantedMovie {
	out := append([]arr.WantedMovie(nil), items...)
	switch order {
	case "random":
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	case "smart":
		return smartOrder(out, now, rng,
			func(m arr.WantedMovie) (time.Time, bool) { return m.ReleaseTime() },
			func(m arr.WantedMovie) (time.Time, bool) {
				if t, ok := boost.movieTime(m.MovieID); ok {
					return t, true
				}
				return time.Time{}, false
			})
	default:
		sortDated(out, order == "newest", func(m arr.WantedMovie) (time.Time, bool) { return m.ReleaseTime() })
		return out
	}
}

// OrderEpisodes sorts one wanted bucket according to the search order policy.
func OrderEpisodes(items []arr.WantedEpisode, order string, boost *Boost, now time.Time, rng *rand.Rand) []arr.WantedEpisode {
	out := append([]arr.WantedEpisode(nil), items...)
	switch order {
	case "random":
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	case "smart":
		return smartOrder(out, now, rng,
			func(e arr.WantedEpisode) (time.Time, bool) { return e.AirTime() },
			func(e arr.WantedEpisode) (time.Time, bool) { return boost.episodeTime(e) })
	default:
		sortDated(out, order == "newest", func(e arr.WantedEpisode) (time.Time, bool) { return e.AirTime() })
		return out
	}
}

// sortDated sorts items by date, newest or oldest first. Undated items always
// sort last.
func sortDated[T any](items []T, newestFirst bool, dateOf func(T) (time.Time, bool)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, iOK := dateOf(items[i])
		tj, jOK := dateOf(items[j])
		if iOK != jOK {
			return iOK
		}
		if !iOK {
			return false
		}
		if newestFirst {
			return ti.After(tj)
		}
		return ti.Before(tj)
	})
}

// smartOrder layers the bands of the smart policy: calendar-boosted released
// items newest first, then the recent band newest first, then the shuffled
// middle, then the oldest tail ascending, then undated items.
func smartOrder[T any](items []T, now time.Time, rng *rand.Rand, dateOf func(T) (time.Time, bool), boostOf func(T) (time.Time, bool)) []T {
	recentCutoff := now.Add(-RecentWindowDays * 24 * time.Hour)

	type dated struct {
		t    time.Time
		item T
	}
	var boosted, recent, rest []dated
	var unknown []T

	for _, it := range items {
		if bt, ok := boostOf(it); ok {
			if bt.IsZero() {
				if dt, dok := dateOf(it); dok {
					bt = dt
				}
			}
			boosted = append(boosted, dated{bt, it})
			continue
		}
		dt, ok := dateOf(it)
		switch {
		case !ok:
			unknown = append(unknown, it)
		case !dt.Before(recentCutoff):
			recent = append(recent, dated{dt, it})
		default:
			rest = append(rest, dated{dt, it})
		}
	}

	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].t.After(boosted[j].t) })
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].t.After(recent[j].t) })
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].t.Before(rest[j].t) })

	tailN := 0
	if len(rest) > 0 {
		tailN = int(float64(len(rest)) * OldestTailFraction)
		if tailN < 1 {
			tailN = 1
		}
	}
	oldestTail := rest[:tailN]
	middle := append([]dated(nil), rest[tailN:]...)
	rng.Shuffle(len(middle), func(i, j int) { middle[i], middle[j] = middle[j], middle[i] })

	out := make([]T, 0, len(items))
	for _, d := range boosted {
		out = append(out, d.item)
	}
	for _, d := range recent {
		out = append(out, d.item)
	}
	for _, d := range middle {
		out = append(out, d.item)
	}
	for _, d := range oldestTail {
		out = append(out, d.item)
	}
	return append(out, unknown...)
}
