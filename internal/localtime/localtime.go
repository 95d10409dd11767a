package localtime

import (
	"fmt"
	"time"
)

// DefaultOffset is the school's local offset from UTC (Indochina time).
const DefaultOffset = 7 * time.Hour

// Resolver converts instants to the school's local calendar. The deployment
// runs in a single fixed offset; there is no DST handling.
type Resolver struct {
	loc *time.Location
}

// NewResolver builds a resolver for a fixed UTC offset.
func NewResolver(offset time.Duration) *Resolver {
	secs := int(offset / time.Second)
	return &Resolver{loc: time.FixedZone("local", secs)}
}

// FromMillis converts an epoch-millisecond timestamp to a local time.
func (r *Resolver) FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).In(r.loc)
}

// DateString returns the local calendar date as YYYY-MM-DD.
func (r *Resolver) DateString(t time.Time) string {
	return t.In(r.loc).Format("2006-01-02")
}

// DayOfWeek returns the local weekday, 0=Sunday..6=Saturday.
func (r *Resolver) DayOfWeek(t time.Time) int {
	return int(t.In(r.loc).Weekday())
}

// ClockString returns the local wall clock as zero-padded HH:MM.
func (r *Resolver) ClockString(t time.Time) string {
	return t.In(r.loc).Format("15:04")
}

// ParseTimeForDate resolves a local date plus HH:MM to an epoch-millisecond
// instant. Both materialization paths must use this so windows agree.
func (r *Resolver) ParseTimeForDate(date, clock string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, r.loc)
	if err != nil {
		return 0, fmt.Errorf("parse %q %q: %w", date, clock, err)
	}
	return t.UnixMilli(), nil
}

// ParseDate parses a YYYY-MM-DD string as local midnight.
func (r *Resolver) ParseDate(date string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", date, r.loc)
}

// IsWeekend reports whether the given local date string falls on Saturday
// or Sunday. Malformed dates report false.
func (r *Resolver) IsWeekend(date string) bool {
	t, err := r.ParseDate(date)
	if err != nil {
		return false
	}
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// ValidClock reports whether s is a fixed-width 24h HH:MM string. The
// fixed width keeps lexicographic comparison valid for time ordering.
func ValidClock(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	h1, h2 := s[0], s[1]
	m1, m2 := s[3], s[4]
	if h1 < '0' || h1 > '2' {
		return false
	}
	if h2 < '0' || h2 > '9' || (h1 == '2' && h2 > '3') {
		return false
	}
	if m1 < '0' || m1 > '5' || m2 < '0' || m2 > '9' {
		return false
	}
	return true
}
