package rides

import (
	"context"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Rate records actor's score for the other participant of a completed ride. Each
// participant holds one rating per ride; rating again inside the edit window replaces it.
func (m *Machine) Rate(ctx context.Context, actor models.Identity, rideID string, score int) (protocol.RatingAck, error) {
	ack := protocol.RatingAck{RideID: rideID, Rating: score}
	if score < models.MinScore || score > models.MaxScore {
		return ack, apperrors.Protocol("rating", "rating must be between %d and %d", models.MinScore, models.MaxScore)
	}
	e, r, err := m.lookup(ctx, rideID)
	if err != nil {
		return ack, err
	}
	if e != nil {
		e.mu.Lock()
		r = e.snapshot()
		e.mu.Unlock()
	}
	if !r.Involves(actor.UserID) {
		return ack, apperrors.Auth("not part of ride %s", rideID)
	}
	if r.State != models.StateCompleted {
		return ack, apperrors.StateConflict("cannot rate ride in state %s", r.State)
	}
	now := m.now()
	if r.EndedAt != nil && now.Sub(*r.EndedAt) > models.RatingEditWindow {
		return ack, apperrors.StateConflict("rating window for ride %s has closed", rideID)
	}

	rating := models.Rating{RideID: r.ID, RaterID: actor.UserID, Score: score, At: now}
	if actor.UserID == r.PassengerID {
		rating.RatedID, rating.Role = r.AcceptedDriverID, models.RoleDriver
	} else {
		rating.RatedID, rating.Role = r.PassengerID, models.RolePassenger
	}
	if err := m.ratings.UpsertRating(ctx, rating); err != nil {
		return ack, apperrors.Internal(err, "save rating for ride %s", rideID)
	}
	ack.RatedUserID = rating.RatedID
	avg, n, err := m.ratings.AverageRating(ctx, rating.RatedID, rating.Role)
	if err != nil {
		m.logger.Warn("rating_average_failed", "ride_id", rideID, "rated_id", rating.RatedID, "error", err)
	} else {
		ack.Average, ack.Count = avg, n
	}
	m.logger.Info("ride_rated", "ride_id", rideID, "rater_id", actor.UserID, "rated_id", rating.RatedID, "score", score)
	return ack, nil
}
