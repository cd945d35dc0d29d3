package users

import (
	"context"
	"strings"
	"sync"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type memoryUser struct {
	identity models.Identity
	hash     []byte
}

type MemoryStore struct {
	mu         sync.RWMutex
	nextID     int64
	byID       map[int64]*memoryUser
	byUsername map[string]int64
	byEmail    map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[int64]*memoryUser),
		byUsername: make(map[string]int64),
		byEmail:    make(map[string]int64),
	}
}

func (m *MemoryStore) Create(_ context.Context, a Account) (models.Identity, error) {
	a = normalize(a)
	if err := validate(a); err != nil {
		return models.Identity{}, err
	}
	hash, err := hashPassword(a.Password)
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "hash password")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[strings.ToLower(a.Username)]; ok {
		return models.Identity{}, apperrors.Protocol("username", "username already taken")
	}
	if _, ok := m.byEmail[a.Email]; ok {
		return models.Identity{}, apperrors.Protocol("email", "email already registered")
	}
	m.nextID++
	id := models.Identity{UserID: m.nextID, Username: a.Username, Name: a.Name, Email: a.Email, Role: a.Role, Area: a.Area}
	m.byID[id.UserID] = &memoryUser{identity: id, hash: hash}
	m.byUsername[strings.ToLower(a.Username)] = id.UserID
	m.byEmail[a.Email] = id.UserID
	return id, nil
}

func (m *MemoryStore) Authenticate(_ context.Context, username, password string) (models.Identity, error) {
	m.mu.RLock()
	uid, ok := m.byUsername[strings.ToLower(strings.TrimSpace(username))]
	var u *memoryUser
	if ok {
		u = m.byID[uid]
	}
	m.mu.RUnlock()
	if u == nil || !checkPassword(u.hash, password) {
		return models.Identity{}, errBadCredentials
	}
	return u.identity, nil
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[userID]
	if !ok {
		return models.Identity{}, apperrors.NotFound("user %d not found", userID)
	}
	return u.identity, nil
}

func (m *MemoryStore) SetRole(_ context.Context, userID int64, up RoleUpdate) (models.Identity, error) {
	if err := up.validate(); err != nil {
		return models.Identity{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return models.Identity{}, apperrors.NotFound("user %d not found", userID)
	}
	u.identity.Role = up.Role
	if area := strings.TrimSpace(up.Area); area != "" {
		u.identity.Area = area
	}
	if up.MinRating != nil {
		u.identity.MinRating = *up.MinRating
	}
	return u.identity, nil
}
