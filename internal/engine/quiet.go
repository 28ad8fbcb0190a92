package engine

import (
	"time"

	"github.com/seekarr/seekarr/internal/timeutil"
)

// quietHoursEnd reports whether now falls inside the daily quiet window and,
// if so, when the window ends in UTC. The window is inclusive of start and
// exclusive of end, evaluated in loc, and may wrap midnight.
func quietHoursEnd(nowUTC time.Time, startHHMM, endHHMM string, loc *time.Location) (time.Time, bool) {
	startH, startM, okStart := timeutil.ParseHHMM(startHHMM)
	endH, endM, okEnd := timeutil.ParseHHMM(endHHMM)
	if !okStart || !okEnd {
		return time.Time{}, false
	}

	local := nowUTC.In(loc)
	startToday := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, loc)
	endToday := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)

	var end time.Time
	inWindow := false
	if startToday.Before(endToday) {
		inWindow = !local.Before(startToday) && local.Before(endToday)
		end = endToday
	} else {
		switch {
		case !local.Before(startToday):
			inWindow = true
			end = endToday.AddDate(0, 0, 1)
		case local.Before(endToday):
			inWindow = true
			end = endToday
		}
	}

	if !inWindow {
		return time.Time{}, false
	}
	return end.UTC(), true
}
