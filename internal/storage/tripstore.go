package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// TripStore archives rides that reached a terminal state.
type TripStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	// RidesForUser returns rides where the user was passenger or driver, newest first.
	RidesForUser(ctx context.Context, userID int64, limit int) ([]models.Ride, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]models.Ride
	byUser map[int64][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride), byUser: make(map[int64][]string)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[r.ID]; !exists {
		m.byUser[r.PassengerID] = append(m.byUser[r.PassengerID], r.ID)
		if r.AcceptedDriverID != 0 {
			m.byUser[r.AcceptedDriverID] = append(m.byUser[r.AcceptedDriverID], r.ID)
		}
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, apperrors.NotFound("ride %s not found", id)
	}
	return r, nil
}

func (m *MemoryStore) RidesForUser(_ context.Context, userID int64, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0, len(m.byUser[userID]))
	for _, id := range m.byUser[userID] {
		out = append(out, m.rides[id])
	}
	m.mu.RUnlock()
	SortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortNewestFirst orders rides by request time, most recent first.
func SortNewestFirst(rs []models.Ride) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}
