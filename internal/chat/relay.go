package chat

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// HistoryLimit is how many messages are kept per conversation.
const HistoryLimit = 50

type Directory interface {
	LookupUsername(username string) (*session.Session, bool)
}

// Relay forwards chat between online users when no direct peer link exists. Per sender
// ordering follows from the sender's single worker and the recipient's FIFO queue.
type Relay struct {
	dir    Directory
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]models.ChatMessage
}

func NewRelay(dir Directory, logger *slog.Logger) *Relay {
	return &Relay{
		dir:     dir,
		logger:  logger.With("component", "chat"),
		now:     time.Now,
		history: make(map[string][]models.ChatMessage),
	}
}

// Send enqueues CHAT_MESSAGE on the recipient's connection. An unknown or offline
// recipient is a NotFound error.
func (r *Relay) Send(from models.Identity, to, body string) (models.ChatMessage, error) {
	if strings.EqualFold(strings.TrimSpace(to), from.Username) {
		return models.ChatMessage{}, apperrors.Protocol("to", "cannot message yourself")
	}
	s, ok := r.dir.LookupUsername(to)
	if !ok {
		return models.ChatMessage{}, apperrors.NotFound("user %q is not online", to)
	}
	rcpt := s.Identity()
	msg := models.ChatMessage{
		From:   from.Username,
		FromID: from.UserID,
		To:     rcpt.Username,
		ToID:   rcpt.UserID,
		Body:   body,
		SentAt: r.now().UTC(),
	}
	if err := s.Send(protocol.New(protocol.TypeChatMessage, protocol.ChatMessageView(msg))); err != nil {
		r.logger.Warn("chat_undeliverable", "from", from.Username, "to", rcpt.Username, "error", err)
		return models.ChatMessage{}, apperrors.NotFound("user %q is not reachable", to)
	}
	r.remember(msg)
	observability.ChatRelayed.Inc()
	r.logger.Debug("chat_relayed", "from_id", msg.FromID, "to_id", msg.ToID)
	return msg, nil
}

// History returns the conversation between two usernames, oldest first.
func (r *Relay) History(a, b string) []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChatMessage(nil), r.history[pairKey(a, b)]...)
}

// Contacts lists everyone the user has exchanged relayed messages with, sorted by
// username.
func (r *Relay) Contacts(username string) []string {
	self := strings.ToLower(username)
	r.mu.Lock()
	out := make([]string, 0)
	for key, h := range r.history {
		a, b, _ := strings.Cut(key, "\x00")
		if (a != self && b != self) || len(h) == 0 {
			continue
		}
		last := h[len(h)-1]
		if strings.EqualFold(last.From, username) {
			out = append(out, last.To)
		} else {
			out = append(out, last.From)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func (r *Relay) remember(m models.ChatMessage) {
	key := pairKey(m.From, m.To)
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[key], m)
	if len(h) > HistoryLimit {
		h = append([]models.ChatMessage(nil), h[len(h)-HistoryLimit:]...)
	}
	r.history[key] = h
}

func pairKey(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
