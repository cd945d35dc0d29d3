package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("09:00-10:00")
	require.NoError(t, err)
	assert.Equal(t, "09:00-10:00", w.String())

	w, err = ParseWindow("23:55")
	require.NoError(t, err)
	assert.Equal(t, "23:55", w.String())
	assert.True(t, w.Departure())

	_, err = ParseWindow("9am")
	assert.Error(t, err)
	_, err = ParseWindow("09:00-25:00")
	assert.Error(t, err)
	_, err = ParseWindow("08:00-08:00")
	assert.Error(t, err)
}

func TestTimeWindowContains(t *testing.T) {
	tests := []struct {
		window string
		at     string
		want   bool
	}{
		{"09:00-10:00", "09:30", true},
		{"09:00-10:00", "09:00", true},
		{"09:00-10:00", "10:00", false},
		{"09:00-10:00", "08:59", false},
		{"23:50-00:10", "23:59", true},
		{"23:50-00:10", "00:05", true},
		{"23:50-00:10", "00:10", false},
	}
	for _, tt := range tests {
		w, err := ParseWindow(tt.window)
		require.NoError(t, err)
		at, err := ParseClock(tt.at)
		require.NoError(t, err)
		assert.Equal(t, tt.want, w.Contains(at), "%s contains %s", tt.window, tt.at)
	}
}

func TestScheduleEntryCovers(t *testing.T) {
	tests := []struct {
		name      string
		entryDay  time.Weekday
		entryTime string
		day       time.Weekday
		at        string
		want      bool
	}{
		{"departure at request time", time.Monday, "09:30", time.Monday, "09:30", true},
		{"departure shortly after request", time.Monday, "09:30", time.Monday, "09:20", true},
		{"departure at window end", time.Monday, "09:30", time.Monday, "09:15", false},
		{"departure one minute inside", time.Monday, "09:30", time.Monday, "09:16", true},
		{"departure already left", time.Monday, "09:30", time.Monday, "09:40", false},
		{"departure other day", time.Tuesday, "09:30", time.Monday, "09:20", false},
		{"late departure same day", time.Friday, "23:58", time.Friday, "23:55", true},
		{"after midnight next day", time.Saturday, "00:05", time.Friday, "23:55", true},
		{"next day past window", time.Saturday, "00:10", time.Friday, "23:55", false},
		{"next day without crossover", time.Saturday, "00:05", time.Friday, "23:40", false},
		{"week wraps to sunday", time.Sunday, "00:02", time.Saturday, "23:50", true},
		{"range contains", time.Monday, "09:00-10:00", time.Monday, "09:59", true},
		{"range end exclusive", time.Monday, "09:00-10:00", time.Monday, "10:00", false},
		{"range other day", time.Monday, "09:00-10:00", time.Tuesday, "09:30", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseWindow(tt.entryTime)
			require.NoError(t, err)
			at, err := ParseClock(tt.at)
			require.NoError(t, err)
			e := ScheduleEntry{Day: tt.entryDay, Window: w}
			assert.Equal(t, tt.want, e.Covers(tt.day, at))
		})
	}
}

func TestParseDay(t *testing.T) {
	for _, in := range []string{"Mon", "monday", " MONDAY "} {
		d, err := ParseDay(in)
		require.NoError(t, err)
		assert.Equal(t, time.Monday, d)
	}
	_, err := ParseDay("Funday")
	assert.Error(t, err)
}

func TestNormalizePlace(t *testing.T) {
	assert.Equal(t, "north campus", NormalizePlace(" North_Campus"))
}
