package detect

import (
	"fmt"
	"time"

	"vigil/core"
)

// compiledWindow is a TimeWindow with its clock times and zone resolved.
type compiledWindow struct {
	start int // minutes after midnight
	end   int
	days  [7]bool
	loc   *time.Location
}

func compileWindow(tw *core.TimeWindow) (*compiledWindow, error) {
	if tw == nil {
		return nil, nil
	}
	start, err := core.ParseClock(tw.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := core.ParseClock(tw.EndTime)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(tw.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tw.Timezone, err)
	}
	w := &compiledWindow{start: start, end: end, loc: loc}
	if len(tw.DaysOfWeek) == 0 {
		for i := range w.days {
			w.days[i] = true
		}
	}
	for _, d := range tw.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("invalid day of week %d", d)
		}
		w.days[d] = true
	}
	return w, nil
}

// Admits reports whether t falls inside the window. The end time is
// exclusive. A window whose end is before its start spans midnight and is
// attributed to the day it starts on.
func (w *compiledWindow) Admits(t time.Time) bool {
	if w == nil {
		return true
	}
	local := t.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	today := int(local.Weekday())
	yesterday := (today + 6) % 7

	switch {
	case w.start == w.end:
		return w.days[today]
	case w.start < w.end:
		return w.days[today] && minute >= w.start && minute < w.end
	default:
		if minute >= w.start {
			return w.days[today]
		}
		return minute < w.end && w.days[yesterday]
	}
}

// WindowAdmits reports whether tw admits t. A nil window admits
// everything; an invalid one admits nothing.
func WindowAdmits(tw *core.TimeWindow, t time.Time) bool {
	w, err := compileWindow(tw)
	if err != nil {
		return false
	}
	return w.Admits(t)
}
