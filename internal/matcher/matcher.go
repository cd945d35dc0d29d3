package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// DriverSource lists drivers with a live session.
type DriverSource interface {
	ConnectedDrivers() []models.Identity
}

type ScheduleLister interface {
	List(ctx context.Context, driverID int64) ([]models.ScheduleEntry, error)
}

// RatingLookup reports a user's average score in a role. Users never rated average 0.
type RatingLookup interface {
	AverageRating(ctx context.Context, userID int64, role models.Role) (float64, int, error)
}

// Service matches ride requests against driver schedules. Ratings is only consulted when a
// request carries a minimum rating.
type Service struct {
	Drivers   DriverSource
	Schedules ScheduleLister
	Ratings   RatingLookup
	Logger    *slog.Logger
}

// Eligible returns every connected driver, other than the passenger, with a schedule entry
// that covers the request and, when p.MinRating is set, an average driver rating at least
// that high. The result is ordered by user id. An empty result is a NoDrivers error.
func (s *Service) Eligible(ctx context.Context, passengerID int64, p models.RideParams) ([]models.Identity, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	area := models.NormalizePlace(p.Area)
	direction := models.NormalizePlace(p.Direction)

	var (
		out     []models.Identity
		lastErr error
	)
	for _, d := range s.Drivers.ConnectedDrivers() {
		if !d.IsDriver() || d.UserID == passengerID {
			continue
		}
		entries, err := s.Schedules.List(ctx, d.UserID)
		if err != nil {
			lastErr = err
			if s.Logger != nil {
				s.Logger.Warn("schedule_lookup_failed", "driver_id", d.UserID, "error", err)
			}
			continue
		}
		if !anyCovers(entries, p.Day, p.Time, area, direction) {
			continue
		}
		if p.MinRating > 0 {
			ok, err := s.rated(ctx, d.UserID, p.MinRating)
			if err != nil {
				lastErr = err
				if s.Logger != nil {
					s.Logger.Warn("rating_lookup_failed", "driver_id", d.UserID, "error", err)
				}
				continue
			}
			if !ok {
				continue
			}
		}
		out = append(out, d)
	}
	observability.MatchCandidates.Observe(float64(len(out)))
	if len(out) == 0 {
		if lastErr != nil {
			return nil, apperrors.Internal(lastErr, "driver lookup")
		}
		return nil, apperrors.NoDrivers("no drivers available for %s %s in %s", p.Day, p.Time, p.Area)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Service) rated(ctx context.Context, driverID int64, floor float64) (bool, error) {
	if s.Ratings == nil {
		return false, nil
	}
	avg, _, err := s.Ratings.AverageRating(ctx, driverID, models.RoleDriver)
	if err != nil {
		return false, err
	}
	return avg >= floor, nil
}

func anyCovers(entries []models.ScheduleEntry, day time.Weekday, at models.Clock, area, direction string) bool {
	for _, e := range entries {
		if covers(e, day, at, area, direction) {
			return true
		}
	}
	return false
}

// covers expects area and direction already normalized. Direction only constrains when both
// sides carry one.
func covers(e models.ScheduleEntry, day time.Weekday, at models.Clock, area, direction string) bool {
	if models.NormalizePlace(e.Area) != area || !e.Covers(day, at) {
		return false
	}
	if ed := models.NormalizePlace(e.Direction); ed != "" && direction != "" && ed != direction {
		return false
	}
	return true
}
