package selector

import (
	"math/rand"
	"sort"
	"time"

	"github.com/seekarr/seekarr/internal/arr"
)

// SeasonGroup collects the wanted episodes of one (series, season) pair.
type SeasonGroup struct {
	SeriesID     int
	SeasonNumber int
	Episodes     []arr.WantedEpisode
}

// SeriesGroup collects the wanted episodes of one series.
type SeriesGroup struct {
	SeriesID int
	Episodes []arr.WantedEpisode
}

// GroupBySeason buckets episodes by (series, season) in first-seen order.
// Episodes without a series id are dropped. When any non-special group
// exists, special (season 0) groups are dropped.
func GroupBySeason(items []arr.WantedEpisode) []SeasonGroup {
	index := map[[2]int]int{}
	var groups []SeasonGroup
	for _, ep := range items {
		if ep.SeriesID <= 0 {
			continue
		}
		key := [2]int{ep.SeriesID, ep.SeasonNumber}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, SeasonGroup{SeriesID: ep.SeriesID, SeasonNumber: ep.SeasonNumber})
		}
		groups[i].Episodes = append(groups[i].Episodes, ep)
	}

	hasNonSpecial := false
	for _, g := range groups {
		if g.SeasonNumber != 0 {
			hasNonSpecial = true
			break
		}
	}
	if !hasNonSpecial {
		return groups
	}
	out := groups[:0]
	for _, g := range groups {
		if g.SeasonNumber != 0 {
			out = append(out, g)
		}
	}
	return out
}

// GroupBySeries buckets episodes by series in first-seen order. Episodes
// without a series id are dropped.
func GroupBySeries(items []arr.WantedEpisode) []SeriesGroup {
	index := map[int]int{}
	var groups []SeriesGroup
	for _, ep := range items {
		if ep.SeriesID <= 0 {
			continue
		}
		i, ok := index[ep.SeriesID]
		if !ok {
			i = len(groups)
			index[ep.SeriesID] = i
			groups = append(groups, SeriesGroup{SeriesID: ep.SeriesID})
		}
		groups[i].Episodes = append(groups[i].Episodes, ep)
	}
	return groups
}

func newestAirTime(eps []arr.WantedEpisode) (time.Time, bool) {
	var newest time.Time
	found := false
	for _, e := range eps {
		if t, ok := e.AirTime(); ok {
			if !found || t.After(newest) {
				newest = t
				found = true
			}
		}
	}
	return newest, found
}

func oldestAirTime(eps []arr.WantedEpisode) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, e := range eps {
		if t, ok := e.AirTime(); ok {
			if !found || t.Before(oldest) {
				oldest = t
				found = true
			}
		}
	}
	return oldest, found
}

func groupBoostTime(eps []arr.WantedEpisode, boost *Boost) (time.Time, bool) {
	var best time.Time
	found := false
	for _, e := range eps {
		if t, ok := boost.episodeTime(e); ok {
			if t.IsZero() {
				if at, aok := e.AirTime(); aok {
					t = at
				}
			}
			if !found || t.After(best) {
				best = t
				found = true
			}
		}
	}
	return best, found
}

// OrderSeasonGroups sorts season groups by the search order policy, keyed by
// the newest air date in each group.
func OrderSeasonGroups(groups []SeasonGroup, order string, boost *Boost, now time.Time, rng *rand.Rand) []SeasonGroup {
	out := append([]SeasonGroup(nil), groups...)
	orderGroups(out, order, now, rng,
		func(g SeasonGroup) []arr.WantedEpisode { return g.Episodes }, boost)
	return out
}

// OrderSeriesGroups sorts series groups by the search order policy, keyed by
// the newest air date in each group.
func OrderSeriesGroups(groups []SeriesGroup, order string, boost *Boost, now time.Time, rng *rand.Rand) []SeriesGroup {
	out := append([]SeriesGroup(nil), groups...)
	orderGroups(out, order, now, rng,
		func(g SeriesGroup) []arr.WantedEpisode { return g.Episodes }, boost)
	return out
}

func orderGroups[G any](groups []G, order string, now time.Time, rng *rand.Rand, epsOf func(G) []arr.WantedEpisode, boost *Boost) {
	switch order {
	case "random":
		rng.Shuffle(len(groups), func(i, j int) { groups[i], groups[j] = groups[j], groups[i] })
	case "smart":
		ordered := smartOrder(groups, now, rng,
			func(g G) (time.Time, bool) { return newestAirTime(epsOf(g)) },
			func(g G) (time.Time, bool) { return groupBoostTime(epsOf(g), boost) })
		copy(groups, ordered)
	case "oldest":
		sortDated(groups, false, func(g G) (time.Time, bool) { return oldestAirTime(epsOf(g)) })
	default:
		sortDated(groups, true, func(g G) (time.Time, bool) { return newestAirTime(epsOf(g)) })
	}
}

// PrioritizeColdStart reorders season groups so each cold-start series (a
// series with no episodes in the library yet) fetches its earliest season
// first. The groups of a cold-start series are sorted ascending by season
// into the slots that series already occupied, so relative order across
// series is preserved.
func PrioritizeColdStart(groups []SeasonGroup, coldSeries map[int]bool) []SeasonGroup {
	out := append([]SeasonGroup(nil), groups...)
	slots := map[int][]int{}
	for i, g := range out {
		if coldSeries[g.SeriesID] {
			slots[g.SeriesID] = append(slots[g.SeriesID], i)
		}
	}
	for _, idxs := range slots {
		if len(idxs) < 2 {
			continue
		}
		own := make([]SeasonGroup, 0, len(idxs))
		for _, i := range idxs {
			own = append(own, out[i])
		}
		sort.SliceStable(own, func(a, b int) bool { return own[a].SeasonNumber < own[b].SeasonNumber })
		for n, i := range idxs {
			out[i] = own[n]
		}
	}
	return out
}

// SeasonPackPreferred applies the smart-mode heuristics: a season whose aired
// episodes are entirely absent from the library, or whose missing episodes
// cover most of the season, is fetched as a pack.
func SeasonPackPreferred(inv arr.SeasonInventory, eps []arr.WantedEpisode) bool {
	if inv.AiredTotal > 0 && inv.AiredDownloaded == 0 {
		return true
	}

	numbers := map[int]bool{}
	highest := 0
	for _, e := range eps {
		if e.EpisodeNumber > 0 {
			numbers[e.EpisodeNumber] = true
			if e.EpisodeNumber > highest {
				highest = e.EpisodeNumber
			}
		}
	}
	if len(numbers) == 0 {
		return len(eps) >= SeasonPackMinMissing
	}

	coverage := float64(len(numbers)) / float64(highest)
	if len(numbers) >= SeasonPackMinMissing && coverage >= SeasonPackMinCoverage {
		return true
	}
	return len(numbers) >= SeasonPackAbsoluteMissing
}
