package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

func ride(passenger, driver int64, created time.Time, state models.RideState) models.Ride {
	return models.Ride{
		ID:                uuid.NewString(),
		PassengerID:       passenger,
		PassengerUsername: "P",
		PassengerName:     "Pat",
		Day:               time.Monday,
		Time:              models.Clock(8 * 60),
		Area:              "north",
		State:             state,
		Candidates:        []int64{driver},
		AcceptedDriverID:  driver,
		CreatedAt:         created.UTC().Truncate(time.Microsecond),
		UpdatedAt:         created.UTC().Truncate(time.Microsecond),
	}
}

func exerciseStore(t *testing.T, s TripStore) {
	ctx := context.Background()
	base := time.Now()
	// unique ids keep reruns against a shared database independent
	pid := base.UnixNano() % 1_000_000_000
	did := pid + 1
	older := ride(pid, did, base.Add(-time.Hour), models.StateCompleted)
	newer := ride(pid, 0, base, models.StateCancelled)
	newer.Reason = models.ReasonNoDrivers
	newer.Candidates = []int64{did, pid + 4}
	newer.Responses = map[int64]models.ResponseStatus{did: models.ResponseDenied}
	other := ride(pid+2, pid+3, base, models.StateCompleted)
	for _, r := range []models.Ride{older, newer, other} {
		require.NoError(t, s.SaveRide(ctx, r))
	}

	got, err := s.GetRide(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNoDrivers, got.Reason)
	assert.Equal(t, time.Monday, got.Day)
	assert.Equal(t, []int64{did}, got.Denied(), "denials survive archiving")

	_, err = s.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	list, err := s.RidesForUser(ctx, pid, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	list, err = s.RidesForUser(ctx, did, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, older.ID, list[0].ID)

	list, err = s.RidesForUser(ctx, pid, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func exerciseRatings(t *testing.T, s RatingStore) {
	ctx := context.Background()
	driver := time.Now().UnixNano()%1_000_000_000 + 10
	at := time.Now().UTC().Truncate(time.Microsecond)

	avg, n, err := s.AverageRating(ctx, driver, models.RoleDriver)
	require.NoError(t, err)
	assert.Zero(t, avg)
	assert.Zero(t, n)

	r1, r2 := uuid.NewString(), uuid.NewString()
	require.NoError(t, s.UpsertRating(ctx, models.Rating{RideID: r1, RaterID: 1, RatedID: driver, Role: models.RoleDriver, Score: 5, At: at}))
	require.NoError(t, s.UpsertRating(ctx, models.Rating{RideID: r2, RaterID: 2, RatedID: driver, Role: models.RoleDriver, Score: 2, At: at}))
	// the same rater re-rating a ride replaces the earlier score
	require.NoError(t, s.UpsertRating(ctx, models.Rating{RideID: r2, RaterID: 2, RatedID: driver, Role: models.RoleDriver, Score: 4, At: at}))
	// ratings received as a passenger do not count towards the driver average
	require.NoError(t, s.UpsertRating(ctx, models.Rating{RideID: uuid.NewString(), RaterID: 3, RatedID: driver, Role: models.RolePassenger, Score: 1, At: at}))

	avg, n, err = s.AverageRating(ctx, driver, models.RoleDriver)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 4.5, avg, 1e-9)
}

func TestMemoryStore(t *testing.T) { exerciseStore(t, NewMemoryStore()) }

func TestMemoryRatings(t *testing.T) { exerciseRatings(t, NewMemoryRatings()) }

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))
	exerciseStore(t, s)
	exerciseRatings(t, s)
}
