package schedule

import (
	"context"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// Store is the schedule CRUD collaborator. The dispatch core only reads it through List.
type Store interface {
	Add(ctx context.Context, e models.ScheduleEntry) (models.ScheduleEntry, error)
	List(ctx context.Context, driverID int64) ([]models.ScheduleEntry, error)
	Delete(ctx context.Context, driverID, entryID int64) error
}

type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[int64]map[int64]models.ScheduleEntry // driver -> entry id -> entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]map[int64]models.ScheduleEntry)}
}

func (m *MemoryStore) Add(_ context.Context, e models.ScheduleEntry) (models.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	byID, ok := m.entries[e.DriverID]
	if !ok {
		byID = make(map[int64]models.ScheduleEntry)
		m.entries[e.DriverID] = byID
	}
	byID[e.ID] = e
	return e, nil
}

func (m *MemoryStore) List(_ context.Context, driverID int64) ([]models.ScheduleEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ScheduleEntry, 0, len(m.entries[driverID]))
	for _, e := range m.entries[driverID] {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, driverID, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[driverID][entryID]; !ok {
		return apperrors.NotFound("schedule entry %d not found", entryID)
	}
	delete(m.entries[driverID], entryID)
	return nil
}

// sortEntries orders by day then start time, as LIST_SCHEDULE presents them.
func sortEntries(es []models.ScheduleEntry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Day != es[j].Day {
			return es[i].Day < es[j].Day
		}
		if es[i].Window.Start != es[j].Window.Start {
			return es[i].Window.Start < es[j].Window.Start
		}
		return es[i].ID < es[j].ID
	})
}
