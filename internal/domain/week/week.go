// Package week computes ISO-8601 week windows (Monday 00:00 through Sunday
// 23:59:59.999 local time) used as range bounds by analytics and exports.
package week

import (
	"fmt"
	"time"
)

const endOfDayNanos = int(999 * time.Millisecond)

// Window is one ISO week in a given location.
type Window struct {
	WeekNumber int       `json:"weekNumber"`
	WeekYear   int       `json:"weekYear"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// For returns the ISO week containing instant, with boundaries at local
// midnight in loc. A nil loc means the instant's own location.
func For(instant time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = instant.Location()
	}
	t := instant.In(loc)
	sinceMonday := (int(t.Weekday()) + 6) % 7

	y, m, d := t.Date()
	start := time.Date(y, m, d-sinceMonday, 0, 0, 0, 0, loc)
	// Calendar-day arithmetic keeps wall-clock boundaries across DST shifts.
	sy, sm, sd := start.Date()
	end := time.Date(sy, sm, sd+6, 23, 59, 59, endOfDayNanos, loc)

	wy, wn := start.ISOWeek()
	return Window{WeekNumber: wn, WeekYear: wy, Start: start, End: end}
}

// ForZone is For with an IANA zone name. An empty name means UTC.
func ForZone(instant time.Time, zone string) (Window, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return Window{}, err
	}
	return For(instant, loc), nil
}

// LoadZone resolves an IANA zone name.
func LoadZone(zone string) (*time.Location, error) {
	if zone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownZone, zone)
	}
	return loc, nil
}

// UTCBounds returns Start and End converted to UTC, inclusive on both ends.
func (w Window) UTCBounds() (from, to time.Time) {
	return w.Start.UTC(), w.End.UTC()
}

// Contains reports whether t falls inside the window, bounds inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// FiscalWeekYear applies the reporting convention at the turn of the year:
// week 1 seen in December belongs to the next year and week 52/53 seen in
// January belongs to the previous one. Everything else keeps calendarYear.
func FiscalWeekYear(week int, month time.Month, calendarYear int) int {
	switch {
	case week == 1 && month == time.December:
		return calendarYear + 1
	case week >= 52 && month == time.January:
		return calendarYear - 1
	default:
		return calendarYear
	}
}

// FiscalYear applies FiscalWeekYear to ref's ISO week, month and year.
func FiscalYear(ref time.Time) int {
	_, wn := ref.ISOWeek()
	return FiscalWeekYear(wn, ref.Month(), ref.Year())
}
