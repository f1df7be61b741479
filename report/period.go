package report

import (
	"fmt"
	"time"
)

// =============================================================================
// REPORTING TIME - All windows are computed in one reporting timezone
// =============================================================================

// DefaultTimezone is the reporting timezone. Source timestamps are
// normalized into it before any window comparison.
const DefaultTimezone = "Asia/Tokyo"

// LoadReportingLocation resolves the reporting timezone, falling back to
// the default when name is empty.
func LoadReportingLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid reporting timezone %q: %w", name, err)
	}
	return loc, nil
}

// =============================================================================
// WINDOW - A closed time interval
// =============================================================================

// Window is a time interval with inclusive ends. A record stamped exactly
// on Start or exactly on End belongs to the window; one second outside
// either bound does not.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("%s .. %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// mondayOf returns midnight of the Monday of the week containing t.
func mondayOf(t time.Time) time.Time {
	daysBack := (int(t.Weekday()) + 6) % 7 // Monday=0 .. Sunday=6
	d := t.AddDate(0, 0, -daysBack)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, t.Location())
}

// MonthStart returns midnight on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// WeekendWindowFor computes the weekend-orders window for a run at "now":
// the previous Saturday 00:00 through the current Monday 09:00, reporting
// time. Both ends are inclusive.
func WeekendWindowFor(now time.Time) Window {
	monday := mondayOf(now)
	saturday := monday.AddDate(0, 0, -2)
	return Window{
		Start: saturday,
		End:   monday.Add(9 * time.Hour),
	}
}

// ReportedWeekFor returns the previous Monday-through-Sunday range used in
// the summary header.
func ReportedWeekFor(now time.Time) Window {
	monday := mondayOf(now)
	return Window{
		Start: monday.AddDate(0, 0, -7),
		End:   monday.AddDate(0, 0, -1),
	}
}
