package session

import (
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

// Conn is the part of a live connection the registry needs.
type Conn interface {
	ID() string
	RemoteIP() string
	Send(m protocol.Message) error
	Shutdown()
}

type EndReason string

const (
	EndDisconnect EndReason = "disconnect"
	EndLogout     EndReason = "logout"
	EndSuperseded EndReason = "superseded"
)

// Observer is told whenever a session ends. It is called without registry locks held.
type Observer interface {
	SessionEnded(id models.Identity, reason EndReason)
}

type Session struct {
	conn        Conn
	connectedAt time.Time

	mu       sync.RWMutex
	identity models.Identity
	peer     *models.PeerEndpoint
}

func (s *Session) Identity() models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) Conn() Conn { return s.conn }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) Peer() (models.PeerEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.peer == nil {
		return models.PeerEndpoint{}, false
	}
	return *s.peer, true
}

func (s *Session) Send(m protocol.Message) error { return s.conn.Send(m) }

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
}

// Registry maps user ids to live sessions. Shards are independent so unrelated logins never
// contend on one lock.
type Registry struct {
	shards    [shardCount]shard
	usernames sync.Map // lower(username) -> user id

	obsMu     sync.RWMutex
	observers []Observer

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger.With("component", "session")}
	for i := range r.shards {
		r.shards[i].sessions = make(map[int64]*Session)
	}
	return r
}

func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) shardFor(userID int64) *shard {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(userID))
	return &r.shards[xxhash.Sum64(b[:])%shardCount]
}

// Register installs a session for id on conn. An existing session for the same identity is
// superseded: its connection is told SESSION_REPLACED and shut down.
func (r *Registry) Register(id models.Identity, conn Conn) (current *Session, superseded *Session) {
	s := &Session{conn: conn, identity: id, connectedAt: time.Now()}
	sh := r.shardFor(id.UserID)
	sh.mu.Lock()
	superseded = sh.sessions[id.UserID]
	sh.sessions[id.UserID] = s
	sh.mu.Unlock()
	r.usernames.Store(usernameKey(id.Username), id.UserID)

	if superseded != nil {
		r.logger.Info("session_superseded", "user_id", id.UserID, "old_conn", superseded.conn.ID(), "new_conn", conn.ID())
		_ = superseded.conn.Send(protocol.New(protocol.TypeSessionReplaced, protocol.SessionReplaced{Reason: "logged in elsewhere"}))
		superseded.conn.Shutdown()
		r.notify(superseded.Identity(), EndSuperseded)
	} else {
		observability.SessionsActive.Inc()
	}
	r.logger.Info("session_registered", "user_id", id.UserID, "username", id.Username, "role", id.Role, "conn_id", conn.ID())
	return s, superseded
}

// AnnouncePeer records the caller's peer endpoint. The IP comes from the connection.
func (r *Registry) AnnouncePeer(userID int64, port int) (models.PeerEndpoint, error) {
	if port < 1 || port > 65535 {
		return models.PeerEndpoint{}, apperrors.Protocol("port", "port %d out of range", port)
	}
	s, ok := r.Lookup(userID)
	if !ok {
		return models.PeerEndpoint{}, apperrors.Auth("no active session")
	}
	ep := models.PeerEndpoint{IP: s.conn.RemoteIP(), Port: port}
	s.mu.Lock()
	s.peer = &ep
	s.mu.Unlock()
	r.logger.Debug("peer_announced", "user_id", userID, "ip", ep.IP, "port", ep.Port)
	return ep, nil
}

// UpdateIdentity replaces the identity attributes of a live session (role or area changes).
func (r *Registry) UpdateIdentity(id models.Identity) bool {
	s, ok := r.Lookup(id.UserID)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return true
}

func (r *Registry) Lookup(userID int64) (*Session, bool) {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[userID]
	return s, ok
}

func (r *Registry) LookupUsername(username string) (*Session, bool) {
	v, ok := r.usernames.Load(usernameKey(username))
	if !ok {
		return nil, false
	}
	return r.Lookup(v.(int64))
}

// PeerOf returns the announced endpoint of a connected user.
func (r *Registry) PeerOf(userID int64) (models.PeerEndpoint, bool) {
	s, ok := r.Lookup(userID)
	if !ok {
		return models.PeerEndpoint{}, false
	}
	return s.Peer()
}

// Remove drops the session of userID if it is still bound to conn. A superseded connection
// closing late therefore never evicts the session that replaced it.
func (r *Registry) Remove(userID int64, conn Conn, reason EndReason) bool {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	s, ok := sh.sessions[userID]
	if !ok || s.conn.ID() != conn.ID() {
		sh.mu.Unlock()
		return false
	}
	delete(sh.sessions, userID)
	sh.mu.Unlock()

	id := s.Identity()
	r.usernames.CompareAndDelete(usernameKey(id.Username), userID)
	observability.SessionsActive.Dec()
	r.logger.Info("session_removed", "user_id", userID, "reason", reason, "conn_id", conn.ID())
	r.notify(id, reason)
	return true
}

// Notify enqueues m on the user's connection. It reports false when the user has no session
// or the connection refused the message.
func (r *Registry) Notify(userID int64, m protocol.Message) bool {
	s, ok := r.Lookup(userID)
	if !ok {
		observability.NotificationsLost.Inc()
		r.logger.Debug("notify_no_session", "user_id", userID, "type", m.Type)
		return false
	}
	if err := s.Send(m); err != nil {
		r.logger.Warn("notify_failed", "user_id", userID, "type", m.Type, "error", err)
		return false
	}
	return true
}

// ConnectedDrivers is a point-in-time snapshot of logged in drivers.
func (r *Registry) ConnectedDrivers() []models.Identity {
	var out []models.Identity
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if id := s.Identity(); id.IsDriver() {
				out = append(out, id)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

func (r *Registry) notify(id models.Identity, reason EndReason) {
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.SessionEnded(id, reason)
	}
}

func usernameKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
