package attendance

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// TIME OF DAY - Wall-clock time without a date
// =============================================================================

// TimeOfDay is minutes since local midnight, 0..1439.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS" (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return NewTimeOfDay(h, m), nil
}

// MustTimeOfDay parses s and panics on error. Intended for tests and constants.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On anchors t on the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location())
}

// TimeOfDayOf returns the wall-clock minute of ts in its own location.
func TimeOfDayOf(ts time.Time) TimeOfDay {
	return NewTimeOfDay(ts.Hour(), ts.Minute())
}

// =============================================================================
// WINDOW - Half-open [Start, End) daily window, may wrap midnight
// =============================================================================

type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Wraps reports whether the window crosses midnight.
func (w Window) Wraps() bool { return w.Start > w.End }

// Empty reports a zero-length window (Start == End).
func (w Window) Empty() bool { return w.Start == w.End }

// Contains tests membership of a wall-clock minute. A wrapping window is
// split into [Start, 24:00) and [00:00, End).
func (w Window) Contains(t TimeOfDay) bool {
	switch {
	case w.Empty():
		return false
	case w.Wraps():
		return t >= w.Start || t < w.End
	default:
		return t >= w.Start && t < w.End
	}
}

// ContainsTime tests the wall-clock minute of ts, seconds included.
func (w Window) ContainsTime(ts time.Time) bool {
	if w.Empty() {
		return false
	}
	secs := ts.Hour()*3600 + ts.Minute()*60 + ts.Second()
	start, end := int(w.Start)*60, int(w.End)*60
	if w.Wraps() {
		return secs >= start || secs < end
	}
	return secs >= start && secs < end
}

// Overlap returns how much of [from, to) falls inside the window, evaluated
// in from's location. Every calendar day touched by the interval contributes
// its own window occurrence(s).
func (w Window) Overlap(from, to time.Time) time.Duration {
	if w.Empty() || !to.After(from) {
		return 0
	}
	var total time.Duration
	// Start one day early so a wrapping window that began yesterday is seen.
	day := DateOf(from).AddDate(0, 0, -1)
	last := DateOf(to)
	for !day.After(last) {
		start, end := w.occurrenceOn(day)
		total += overlap(from, to, start, end)
		day = day.AddDate(0, 0, 1)
	}
	return total
}

// occurrenceOn returns the concrete occurrence of the window that starts on day.
func (w Window) occurrenceOn(day time.Time) (time.Time, time.Time) {
	if w.Wraps() {
		return w.Start.On(day), w.End.On(day.AddDate(0, 0, 1))
	}
	return w.Start.On(day), w.End.On(day)
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	s := aStart
	if bStart.After(s) {
		s = bStart
	}
	e := aEnd
	if bEnd.Before(e) {
		e = bEnd
	}
	if !e.After(s) {
		return 0
	}
	return e.Sub(s)
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// DateOf truncates ts to local midnight of its own location.
func DateOf(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
}

// DayKey formats the calendar day of ts as YYYY-MM-DD.
func DayKey(ts time.Time) string { return ts.Format("2006-01-02") }

// IsWorkday is true Monday through Friday.
func IsWorkday(ts time.Time) bool {
	wd := ts.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// DaysBetween counts whole calendar days from a to b (b after a is positive).
func DaysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// RoundHours rounds hours to two decimals.
func RoundHours(h float64) float64 {
	if h < 0 {
		return -RoundHours(-h)
	}
	return float64(int64(h*100+0.5)) / 100
}
