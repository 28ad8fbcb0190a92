package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/seekarr/seekarr/internal/arr"
	"github.com/seekarr/seekarr/internal/config"
	"github.com/seekarr/seekarr/internal/selector"
)

// inventoryCache memoizes season inventory lookups so the smart decision and
// the cold-start check share one fetch per series per cycle.
type inventoryCache struct {
	client *arr.Client
	data   map[int]map[int]arr.SeasonInventory
}

func newInventoryCache(client *arr.Client) *inventoryCache {
	return &inventoryCache{client: client, data: map[int]map[int]arr.SeasonInventory{}}
}

func (c *inventoryCache) get(ctx context.Context, seriesID int) map[int]arr.SeasonInventory {
	if inv, ok := c.data[seriesID]; ok {
		return inv
	}
	inv := c.client.FetchSeasonInventory(ctx, seriesID)
	c.data[seriesID] = inv
	return inv
}

// isColdStart reports whether a series has inventory but nothing downloaded
// in any season. Cold series get their seasons searched in airing order so
// viewers can start from the beginning.
func (c *inventoryCache) isColdStart(ctx context.Context, seriesID int) bool {
	inv := c.get(ctx, seriesID)
	if len(inv) == 0 {
		return false
	}
	for _, season := range inv {
		if season.AiredDownloaded > 0 {
			return false
		}
	}
	return true
}

func seasonKey(seriesID, seasonNumber int) string {
	return fmt.Sprintf("season:%d:%d", seriesID, seasonNumber)
}

func airDates(eps []arr.WantedEpisode) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.AirDateUTC)
	}
	return out
}

func episodeIDs(eps []arr.WantedEpisode) []int {
	out := make([]int, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.EpisodeID)
	}
	return out
}

// processSonarrMissing dispatches the missing backlog according to the
// instance's missing mode. Upgrades never come through here.
func (e *Engine) processSonarrMissing(ctx context.Context, ic *instanceCycle, missing []arr.WantedEpisode, client *arr.Client, boost *selector.Boost, now time.Time, rng *rand.Rand) error {
	if len(missing) == 0 || ic.set.MissingCap <= 0 {
		return nil
	}

	switch ic.set.SonarrMissingMode {
	case config.ModeEpisodes:
		return e.processEpisodes(ctx, ic, missing, client, ic.set.MissingCap)
	case config.ModeShows:
		return e.processShowBatches(ctx, ic, missing, client, boost, now, rng)
	case config.ModeSeasonPacks:
		return e.processSeasonGroups(ctx, ic, missing, client, boost, now, rng, false)
	default:
		return e.processSeasonGroups(ctx, ic, missing, client, boost, now, rng, true)
	}
}

// processSeasonGroups handles season_packs mode and, with smart set, the
// per-season pack-or-episodes decision.
func (e *Engine) processSeasonGroups(ctx context.Context, ic *instanceCycle, missing []arr.WantedEpisode, client *arr.Client, boost *selector.Boost, now time.Time, rng *rand.Rand, smart bool) error {
	groups := selector.GroupBySeason(missing)
	groups = selector.OrderSeasonGroups(groups, ic.set.SearchOrder, boost, now, rng)

	inv := newInventoryCache(client)
	cold := map[int]bool{}
	for _, g := range groups {
		if _, seen := cold[g.SeriesID]; !seen {
			cold[g.SeriesID] = inv.isColdStart(ctx, g.SeriesID)
		}
	}
	groups = selector.PrioritizeColdStart(groups, cold)

	triggered := 0
	for _, g := range groups {
		if triggered >= ic.set.MissingCap {
			return nil
		}

		pack := true
		if smart {
			onCooldown, err := ic.eng.store.ItemOnCooldown(ctx, ic.appType, ic.set.InstanceID, seasonKey(g.SeriesID, g.SeasonNumber), ic.cooldownHours(airDates(g.Episodes), now))
			if err != nil {
				return err
			}
			if onCooldown {
				ic.stats.SkippedCooldown++
				ic.emit(Event{
					"type":                     "item_skipped_cooldown",
					"item_key":                 seasonKey(g.SeriesID, g.SeasonNumber),
					"actions_triggered":        ic.stats.ActionsTriggered,
					"actions_skipped_cooldown": ic.stats.SkippedCooldown,
				})
				continue
			}
			pack = selector.SeasonPackPreferred(inv.get(ctx, g.SeriesID)[g.SeasonNumber], g.Episodes)
		}

		if !pack {
			remaining := ic.set.MissingCap - triggered
			n, err := e.admitEpisodes(ctx, ic, g.Episodes, client, remaining)
			if err != nil {
				return err
			}
			triggered += n
			continue
		}

		seriesID, seasonNumber := g.SeriesID, g.SeasonNumber
		ok, err := ic.admit(ctx, candidate{
			itemKey: seasonKey(seriesID, seasonNumber),
			title:   fmt.Sprintf("%s Season %02d (Pack)", g.Episodes[0].SeriesTitle, seasonNumber),
			airISOs: airDates(g.Episodes),
			trigger: func(ctx context.Context) bool {
				return client.TriggerSeasonSearch(ctx, seriesID, seasonNumber)
			},
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

// processShowBatches handles shows mode: one bulk episode search per series.
func (e *Engine) processShowBatches(ctx context.Context, ic *instanceCycle, missing []arr.WantedEpisode, client *arr.Client, boost *selector.Boost, now time.Time, rng *rand.Rand) error {
	groups := selector.GroupBySeries(missing)
	groups = selector.OrderSeriesGroups(groups, ic.set.SearchOrder, boost, now, rng)

	inv := newInventoryCache(client)
	for i := range groups {
		if !inv.isColdStart(ctx, groups[i].SeriesID) {
			continue
		}
		eps := groups[i].Episodes
		sort.SliceStable(eps, func(a, b int) bool {
			if eps[a].SeasonNumber != eps[b].SeasonNumber {
				return eps[a].SeasonNumber < eps[b].SeasonNumber
			}
			return eps[a].EpisodeNumber < eps[b].EpisodeNumber
		})
	}

	triggered := 0
	for _, g := range groups {
		if triggered >= ic.set.MissingCap {
			return nil
		}
		ids := episodeIDs(g.Episodes)
		seriesID := g.SeriesID
		ok, err := ic.admit(ctx, candidate{
			itemKey: fmt.Sprintf("series:%d", seriesID),
			title:   fmt.Sprintf("%s (%d eps) (Show Batch)", g.Episodes[0].SeriesTitle, len(g.Episodes)),
			airISOs: airDates(g.Episodes),
			trigger: func(ctx context.Context) bool {
				return client.TriggerEpisodeSearchBulk(ctx, ids)
			},
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

// admitEpisodes pushes up to limit episodes through admission and reports how
// many triggered.
func (e *Engine) admitEpisodes(ctx context.Context, ic *instanceCycle, eps []arr.WantedEpisode, client *arr.Client, limit int) (int, error) {
	triggered := 0
	for _, ep := range eps {
		if triggered >= limit {
			return triggered, nil
		}
		episodeID := ep.EpisodeID
		ok, err := ic.admit(ctx, candidate{
			itemKey: ep.ItemKey(),
			title:   fmt.Sprintf("%s S%02dE%02d", ep.SeriesTitle, ep.SeasonNumber, ep.EpisodeNumber),
			airISOs: []string{ep.AirDateUTC},
			trigger: func(ctx context.Context) bool { return client.TriggerEpisodeSearch(ctx, episodeID) },
		})
		if err != nil {
			return triggered, err
		}
		if ok {
			triggered++
		}
	}
	return triggered, nil
}
