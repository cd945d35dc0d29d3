package storage

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RatingStore keeps participant ratings. Saving a rating for an existing (ride, rater) pair
// replaces it.
type RatingStore interface {
	UpsertRating(ctx context.Context, r models.Rating) error
	// AverageRating is the mean score the user received in role, and how many ratings it
	// covers. A user nobody rated averages 0.
	AverageRating(ctx context.Context, userID int64, role models.Role) (float64, int, error)
}

type ratingKey struct {
	rideID  string
	raterID int64
}

// MemoryRatings is the in-process RatingStore.
type MemoryRatings struct {
	mu      sync.RWMutex
	byKey   map[ratingKey]models.Rating
	byRated map[int64][]ratingKey
}

func NewMemoryRatings() *MemoryRatings {
	return &MemoryRatings{byKey: make(map[ratingKey]models.Rating), byRated: make(map[int64][]ratingKey)}
}

func (m *MemoryRatings) UpsertRating(_ context.Context, r models.Rating) error {
	k := ratingKey{r.RideID, r.RaterID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[k]; !ok {
		m.byRated[r.RatedID] = append(m.byRated[r.RatedID], k)
	}
	m.byKey[k] = r
	return nil
}

func (m *MemoryRatings) AverageRating(_ context.Context, userID int64, role models.Role) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, n := 0, 0
	for _, k := range m.byRated[userID] {
		if r := m.byKey[k]; r.Role == role {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(n), n, nil
}
