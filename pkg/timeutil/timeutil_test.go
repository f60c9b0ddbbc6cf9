package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayNumber_AcrossDST(t *testing.T) {
	zurich, err := LoadLocation("Europe/Zurich")
	require.NoError(t, err)

	// 2025-03-30 is only 23 hours long in Zurich.
	before := time.Date(2025, 3, 29, 23, 30, 0, 0, zurich)
	after := time.Date(2025, 3, 31, 0, 15, 0, 0, zurich)

	assert.Equal(t, 2, DaysBetween(before, after, zurich))
	assert.True(t, IsConsecutiveDay(before, Date(2025, 3, 30, zurich), zurich))
}

func TestDayNumber_ZoneMatters(t *testing.T) {
	tokyo, err := LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 20:00 UTC is already the next day in Tokyo.
	a := time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC)
	b := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)

	assert.True(t, IsSameDay(a, b, time.UTC))
	assert.False(t, IsSameDay(a, b, tokyo))
	assert.Equal(t, "2025-01-11", FormatDate(a, tokyo))
}

func TestStartOfDayAndParse(t *testing.T) {
	ts := time.Date(2025, 2, 14, 17, 45, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC), StartOfDay(ts, nil))

	parsed, err := ParseDate("2025-02-14", nil)
	require.NoError(t, err)
	assert.Equal(t, StartOfDay(ts, time.UTC), parsed)

	_, err = ParseDate("14.02.2025", nil)
	assert.Error(t, err)
}

func TestLoadLocation(t *testing.T) {
	loc, err := LoadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = LoadLocation("Nowhere/City")
	assert.ErrorContains(t, err, "Nowhere/City")
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFixedClock(start)

	clock.Advance(36 * time.Hour)
	assert.Equal(t, start.Add(36*time.Hour), clock.Now())

	clock.Set(start)
	assert.Equal(t, start, clock.Now())
}
