package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeDrivers []models.Identity

func (f fakeDrivers) ConnectedDrivers() []models.Identity { return f }

type fakeSchedules struct {
	entries map[int64][]models.ScheduleEntry
	err     error
}

func (f *fakeSchedules) List(_ context.Context, driverID int64) ([]models.ScheduleEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[driverID], nil
}

type fakeRatings struct {
	avg map[int64]float64
	err error
}

func (f fakeRatings) AverageRating(_ context.Context, userID int64, role models.Role) (float64, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	if role != models.RoleDriver {
		return 0, 0, nil
	}
	avg, ok := f.avg[userID]
	if !ok {
		return 0, 0, nil
	}
	return avg, 1, nil
}

func window(t *testing.T, s string) models.TimeWindow {
	t.Helper()
	w, err := models.ParseWindow(s)
	require.NoError(t, err)
	return w
}

func clock(t *testing.T, s string) models.Clock {
	t.Helper()
	c, err := models.ParseClock(s)
	require.NoError(t, err)
	return c
}

func TestEligible(t *testing.T) {
	drivers := fakeDrivers{
		{UserID: 2, Username: "D", Role: models.RoleDriver},
		{UserID: 3, Username: "E", Role: models.RoleDriver},
		{UserID: 4, Username: "F", Role: models.RoleDriver},
		{UserID: 5, Username: "G", Role: models.RolePassenger},
	}
	sched := &fakeSchedules{entries: map[int64][]models.ScheduleEntry{
		2: {{Day: time.Monday, Window: window(t, "08:00-09:00"), Area: "North_Campus"}},
		3: {{Day: time.Monday, Window: window(t, "08:00-09:00"), Area: "north campus", Direction: "to_campus"}},
		4: {{Day: time.Tuesday, Window: window(t, "08:00-09:00"), Area: "north campus"}},
		5: {{Day: time.Monday, Window: window(t, "08:00-09:00"), Area: "north campus"}},
	}}
	s := &Service{Drivers: drivers, Schedules: sched}

	cases := []struct {
		name  string
		p     models.RideParams
		want  []int64
		empty bool
	}{
		{"day and area", models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "NORTH CAMPUS"}, []int64{2, 3}, false},
		{"direction mismatch", models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "north campus", Direction: "from campus"}, []int64{2}, false},
		{"direction match", models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "north campus", Direction: "To Campus"}, []int64{2, 3}, false},
		{"end exclusive", models.RideParams{Day: time.Monday, Time: clock(t, "09:00"), Area: "north campus"}, nil, true},
		{"other area", models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "south"}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Eligible(context.Background(), 1, tc.p)
			if tc.empty {
				assert.ErrorIs(t, err, apperrors.ErrNoDrivers)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			var ids []int64
			for _, d := range got {
				ids = append(ids, d.UserID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestEligibleExcludesPassenger(t *testing.T) {
	drivers := fakeDrivers{{UserID: 2, Username: "D", Role: models.RoleDriver}}
	sched := &fakeSchedules{entries: map[int64][]models.ScheduleEntry{
		2: {{Day: time.Friday, Window: window(t, "23:50-00:10"), Area: "x"}},
	}}
	s := &Service{Drivers: drivers, Schedules: sched}

	got, err := s.Eligible(context.Background(), 1, models.RideParams{Day: time.Friday, Time: clock(t, "00:05"), Area: "x"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.Eligible(context.Background(), 2, models.RideParams{Day: time.Friday, Time: clock(t, "00:05"), Area: "x"})
	assert.ErrorIs(t, err, apperrors.ErrNoDrivers)
}

func TestEligibleNoScheduleNeverMatches(t *testing.T) {
	s := &Service{Drivers: fakeDrivers{{UserID: 2, Role: models.RoleDriver}}, Schedules: &fakeSchedules{}}
	_, err := s.Eligible(context.Background(), 1, models.RideParams{Day: time.Monday, Area: "x"})
	assert.ErrorIs(t, err, apperrors.ErrNoDrivers)
}

func TestEligibleScheduleFailure(t *testing.T) {
	s := &Service{Drivers: fakeDrivers{{UserID: 2, Role: models.RoleDriver}}, Schedules: &fakeSchedules{err: errors.New("redis down")}}
	_, err := s.Eligible(context.Background(), 1, models.RideParams{Day: time.Monday, Area: "x"})
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

func TestEligibleMinRating(t *testing.T) {
	drivers := fakeDrivers{
		{UserID: 2, Role: models.RoleDriver},
		{UserID: 3, Role: models.RoleDriver},
		{UserID: 4, Role: models.RoleDriver},
	}
	entry := []models.ScheduleEntry{{Day: time.Monday, Window: window(t, "08:00-09:00"), Area: "x"}}
	sched := &fakeSchedules{entries: map[int64][]models.ScheduleEntry{2: entry, 3: entry, 4: entry}}
	s := &Service{Drivers: drivers, Schedules: sched, Ratings: fakeRatings{avg: map[int64]float64{2: 4.5, 3: 3.9}}}
	p := models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "x"}

	got, err := s.Eligible(context.Background(), 1, p)
	require.NoError(t, err)
	assert.Len(t, got, 3, "no floor keeps unrated drivers")

	p.MinRating = 4
	got, err = s.Eligible(context.Background(), 1, p)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].UserID)

	p.MinRating = 5
	_, err = s.Eligible(context.Background(), 1, p)
	assert.ErrorIs(t, err, apperrors.ErrNoDrivers)
}

func TestEligibleRatingFailure(t *testing.T) {
	entry := []models.ScheduleEntry{{Day: time.Monday, Window: window(t, "08:00-09:00"), Area: "x"}}
	s := &Service{
		Drivers:   fakeDrivers{{UserID: 2, Role: models.RoleDriver}},
		Schedules: &fakeSchedules{entries: map[int64][]models.ScheduleEntry{2: entry}},
		Ratings:   fakeRatings{err: errors.New("postgres down")},
	}
	_, err := s.Eligible(context.Background(), 1, models.RideParams{Day: time.Monday, Time: clock(t, "08:30"), Area: "x", MinRating: 3})
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}
