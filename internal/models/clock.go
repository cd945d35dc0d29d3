package models

import (
	"fmt"
	"strings"
	"time"
)

// DepartureWindow is how long before a single departure time a request still matches it.
const DepartureWindow = 15 * time.Minute

const minutesPerDay = 24 * 60

// Clock is a wall-clock time of day in minutes past midnight.
type Clock int

func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	m := int(c) % minutesPerDay
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// TimeWindow is a half-open interval [Start, End). End before Start wraps past midnight.
// Start == End is a single departure time.
type TimeWindow struct {
	Start Clock
	End   Clock
}

func (w TimeWindow) Departure() bool { return w.Start == w.End }

// ParseWindow accepts "HH:MM-HH:MM" or a bare "HH:MM" departure time.
func ParseWindow(s string) (TimeWindow, error) {
	s = strings.TrimSpace(s)
	if from, to, ok := strings.Cut(s, "-"); ok {
		start, err := ParseClock(from)
		if err != nil {
			return TimeWindow{}, err
		}
		end, err := ParseClock(to)
		if err != nil {
			return TimeWindow{}, err
		}
		if start == end {
			return TimeWindow{}, fmt.Errorf("empty window %q", s)
		}
		return TimeWindow{Start: start, End: end}, nil
	}
	start, err := ParseClock(s)
	if err != nil {
		return TimeWindow{}, err
	}
	return TimeWindow{Start: start, End: start}, nil
}

// Contains reports membership in a range. A departure contains only its own minute.
func (w TimeWindow) Contains(t Clock) bool {
	switch {
	case w.Departure():
		return t == w.Start
	case w.Start < w.End:
		return t >= w.Start && t < w.End
	default:
		return t >= w.Start || t < w.End
	}
}

func (w TimeWindow) String() string {
	if w.Departure() {
		return w.Start.String()
	}
	return w.Start.String() + "-" + w.End.String()
}

var dayNames = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		dayNames[name] = d
		dayNames[name[:3]] = d
	}
}

// ParseDay accepts full or three-letter English weekday names in any case.
func ParseDay(s string) (time.Weekday, error) {
	d, ok := dayNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid day %q", s)
	}
	return d, nil
}

// NormalizePlace folds case and underscores so "North_Campus" matches "north campus".
func NormalizePlace(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", " ")))
}
