// Package timeutil provides calendar-day helpers bound to a school timezone
// and an injectable clock.
//
// Lesson completions are stored as instants, but streaks are counted in
// calendar days as seen at the resort, so every day computation goes through
// a *time.Location.
package timeutil

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts the wall clock.
type Clock interface {
	Now() time.Time
}

// SystemClock returns time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant until moved with Set or Advance.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock creates a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the frozen instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

// Date creates midnight of the given date in loc.
func Date(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, orUTC(loc))
}

// StartOfDay returns 00:00:00 of the calendar day containing t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(orUTC(loc))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// DayNumber returns the number of calendar days between 1970-01-01 and the
// day containing t in loc. Consecutive calendar days always differ by one,
// including across DST transitions.
func DayNumber(t time.Time, loc *time.Location) int64 {
	local := t.In(orUTC(loc))
	civil := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return civil.Unix() / 86400
}

// IsSameDay reports whether a and b fall on the same calendar day in loc.
func IsSameDay(a, b time.Time, loc *time.Location) bool {
	return DayNumber(a, loc) == DayNumber(b, loc)
}

// IsConsecutiveDay reports whether later is exactly one calendar day after earlier.
func IsConsecutiveDay(earlier, later time.Time, loc *time.Location) bool {
	return DayNumber(later, loc)-DayNumber(earlier, loc) == 1
}

// DaysBetween returns the absolute number of calendar days between a and b.
func DaysBetween(a, b time.Time, loc *time.Location) int {
	diff := DayNumber(b, loc) - DayNumber(a, loc)
	if diff < 0 {
		diff = -diff
	}
	return int(diff)
}

// FormatDate formats t as YYYY-MM-DD in loc.
func FormatDate(t time.Time, loc *time.Location) string {
	return t.In(orUTC(loc)).Format(time.DateOnly)
}

// ParseDate parses YYYY-MM-DD as midnight in loc.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, value, orUTC(loc))
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
