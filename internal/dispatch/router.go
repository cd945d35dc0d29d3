package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/chat"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/schedule"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/transport"
	"github.com/example/ride-dispatch/internal/users"
)

type Deps struct {
	Users     users.Store
	Sessions  *session.Registry
	Schedules schedule.Store
	Rides     *rides.Machine
	Chat      *chat.Relay
	Logger    *slog.Logger
}

// Router decodes inbound envelopes and runs the matching command. It implements
// transport.Handler.
type Router struct {
	users     users.Store
	sessions  *session.Registry
	schedules schedule.Store
	rides     *rides.Machine
	chat      *chat.Relay
	logger    *slog.Logger
	routes    map[string]route
}

func NewRouter(d Deps) *Router {
	r := &Router{
		users:     d.Users,
		sessions:  d.Sessions,
		schedules: d.Schedules,
		rides:     d.Rides,
		chat:      d.Chat,
		logger:    d.Logger.With("component", "router"),
	}
	r.routes = r.commands()
	return r
}

// connState belongs to one connection worker and is never shared.
type connState struct {
	conn     *transport.Conn
	identity *models.Identity
}

type handlerFunc func(ctx context.Context, cs *connState, raw json.RawMessage) (protocol.Message, rides.Outbox, error)

type route struct {
	auth   bool
	handle handlerFunc
}

// bind decodes and validates the payload into P before calling fn.
func bind[P any, PP interface {
	*P
	protocol.Validator
}](auth bool, fn func(ctx context.Context, cs *connState, p PP) (protocol.Message, rides.Outbox, error)) route {
	return route{auth: auth, handle: func(ctx context.Context, cs *connState, raw json.RawMessage) (protocol.Message, rides.Outbox, error) {
		p := PP(new(P))
		if err := protocol.DecodePayload(raw, p); err != nil {
			return protocol.Message{}, nil, err
		}
		return fn(ctx, cs, p)
	}}
}

// ServeConn reads frames until the connection fails, then ends its session.
func (r *Router) ServeConn(ctx context.Context, c *transport.Conn) {
	observability.ConnectionsOpen.Inc()
	defer observability.ConnectionsOpen.Dec()

	cs := &connState{conn: c}
	log := c.Logger()
	log.Debug("connection_opened", "remote_ip", c.RemoteIP())
	defer func() {
		if cs.identity != nil {
			r.sessions.Remove(cs.identity.UserID, c, session.EndDisconnect)
		}
		log.Debug("connection_closed")
	}()

	for {
		frame, err := c.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
				log.Info("connection_read_failed", "error", err)
			}
			return
		}
		r.handleFrame(ctx, cs, frame)
	}
}

func (r *Router) handleFrame(ctx context.Context, cs *connState, frame []byte) {
	start := time.Now()
	env, err := protocol.Decode(frame)
	if err != nil {
		r.finish(cs, "malformed", "invalid", start, protocol.FailureFor(env.Type, err), nil)
		return
	}
	rt, ok := r.routes[env.Type]
	if !ok {
		err := apperrors.Protocol("type", "unknown message type %q", env.Type)
		r.finish(cs, "unknown", "invalid", start, protocol.FailureFor(env.Type, err), nil)
		return
	}

	reply, out, err := r.run(ctx, cs, env, rt)
	result := "ok"
	if err != nil {
		result = string(apperrors.KindOf(err))
		if result == string(apperrors.KindInternal) {
			cs.conn.Logger().Error("request_failed", "type", env.Type, "error", err)
		}
		reply, out = protocol.FailureFor(env.Type, err), nil
	}
	r.finish(cs, env.Type, result, start, reply, out)
}

// run turns handler panics into internal errors so one bad request never kills the worker.
func (r *Router) run(ctx context.Context, cs *connState, env protocol.Envelope, rt route) (reply protocol.Message, out rides.Outbox, err error) {
	defer func() {
		if p := recover(); p != nil {
			cs.conn.Logger().Error("handler_panic", "type", env.Type, "panic", p, "stack", string(debug.Stack()))
			err = apperrors.Internal(fmt.Errorf("panic: %v", p), "handler panic")
		}
	}()
	if rt.auth && !r.authenticated(cs) {
		return protocol.Message{}, nil, apperrors.Auth("login required")
	}
	return rt.handle(ctx, cs, env.Payload)
}

// finish sends the reply before any notification so the requester always sees its
// acknowledgement first.
func (r *Router) finish(cs *connState, typ, result string, start time.Time, reply protocol.Message, out rides.Outbox) {
	if err := cs.conn.Send(reply); err != nil {
		cs.conn.Logger().Debug("reply_dropped", "type", reply.Type, "error", err)
	}
	out.Deliver(r.sessions)
	observability.MessagesTotal.WithLabelValues(typ, result).Inc()
	observability.MessageDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}

// authenticated also drops a login that a newer connection superseded.
func (r *Router) authenticated(cs *connState) bool {
	if cs.identity == nil {
		return false
	}
	s, ok := r.sessions.Lookup(cs.identity.UserID)
	if !ok || s.Conn().ID() != cs.conn.ID() {
		cs.identity = nil
		return false
	}
	id := s.Identity()
	cs.identity = &id
	return true
}
