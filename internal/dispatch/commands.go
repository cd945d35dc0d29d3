package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/users"
)

func (r *Router) commands() map[string]route {
	return map[string]route{
		protocol.TypeRegister:          bind(false, r.register),
		protocol.TypeLogin:             bind(false, r.login),
		protocol.TypeLogout:            bind(true, r.logout),
		protocol.TypeAnnouncePeer:      bind(true, r.announcePeer),
		protocol.TypeSetRole:           bind(true, r.setRole),
		protocol.TypeAddSchedule:       bind(true, r.addSchedule),
		protocol.TypeListSchedule:      bind(true, r.listSchedule),
		protocol.TypeDeleteSchedule:    bind(true, r.deleteSchedule),
		protocol.TypeBroadcastRide:     bind(true, r.broadcastRide),
		protocol.TypeDriverResponse:    bind(true, r.driverResponse),
		protocol.TypeStartRide:         bind(true, r.rideAction(protocol.TypeStartRideOK, r.rides.Start)),
		protocol.TypeCompleteRide:      bind(true, r.rideAction(protocol.TypeCompleteRideOK, r.rides.Complete)),
		protocol.TypeCancelRide:        bind(true, r.rideAction(protocol.TypeCancelRideOK, r.rides.Cancel)),
		protocol.TypeFetchRides:        bind(true, r.fetchRides),
		protocol.TypeFetchRideRequests: bind(true, r.fetchRideRequests),
		protocol.TypeSendMessage:       bind(true, r.sendMessage),
		protocol.TypeFetchMessages:     bind(true, r.fetchMessages),
		protocol.TypeListContacts:      bind(true, r.listContacts),
		protocol.TypeUpdateRating:      bind(true, r.updateRating),
	}
}

func reply(typ string, payload any) (protocol.Message, rides.Outbox, error) {
	return protocol.New(typ, payload), nil, nil
}

func fail(err error) (protocol.Message, rides.Outbox, error) {
	return protocol.Message{}, nil, err
}

func (r *Router) register(ctx context.Context, _ *connState, p *protocol.Register) (protocol.Message, rides.Outbox, error) {
	entries := make([]models.ScheduleEntry, 0, len(p.Schedule))
	for i, s := range p.Schedule {
		e, err := s.Entry(fmt.Sprintf("schedule.%d.", i), p.Area)
		if err != nil {
			return fail(err)
		}
		entries = append(entries, e)
	}
	id, err := r.users.Create(ctx, users.Account{
		Name:     p.Name,
		Email:    p.Email,
		Username: p.Username,
		Password: p.Password,
		Role:     p.Role,
		Area:     p.Area,
	})
	if err != nil {
		return fail(err)
	}
	ack := protocol.RegisterAck{User: protocol.UserView(id)}
	if id.IsDriver() {
		for _, e := range entries {
			e.DriverID = id.UserID
			saved, err := r.schedules.Add(ctx, e)
			if err != nil {
				return fail(apperrors.Internal(err, "store schedule"))
			}
			ack.Schedule = append(ack.Schedule, protocol.ScheduleView(saved))
		}
	}
	r.logger.Info("user_registered", "user_id", id.UserID, "role", id.Role)
	return reply(protocol.TypeRegisterOK, ack)
}

// login binds the connection to the account. A live session elsewhere is superseded; a
// different account already bound to this connection is logged out first.
func (r *Router) login(ctx context.Context, cs *connState, p *protocol.Login) (protocol.Message, rides.Outbox, error) {
	id, err := r.users.Authenticate(ctx, p.Username, p.Password)
	if err != nil {
		return fail(err)
	}
	switch {
	case cs.identity != nil && cs.identity.UserID == id.UserID && r.authenticated(cs):
		return reply(protocol.TypeLoginOK, protocol.LoginAck{User: protocol.UserView(*cs.identity)})
	case cs.identity != nil:
		r.sessions.Remove(cs.identity.UserID, cs.conn, session.EndLogout)
	}
	r.sessions.Register(id, cs.conn)
	cs.identity = &id
	return reply(protocol.TypeLoginOK, protocol.LoginAck{User: protocol.UserView(id)})
}

func (r *Router) logout(_ context.Context, cs *connState, _ *protocol.Empty) (protocol.Message, rides.Outbox, error) {
	r.sessions.Remove(cs.identity.UserID, cs.conn, session.EndLogout)
	cs.identity = nil
	return reply(protocol.TypeLogoutOK, nil)
}

func (r *Router) announcePeer(_ context.Context, cs *connState, p *protocol.AnnouncePeer) (protocol.Message, rides.Outbox, error) {
	ep, err := r.sessions.AnnouncePeer(cs.identity.UserID, p.Port)
	if err != nil {
		return fail(err)
	}
	return reply(protocol.TypeAnnounceOK, protocol.AnnounceAck{IP: ep.IP, Port: ep.Port})
}

func (r *Router) setRole(ctx context.Context, cs *connState, p *protocol.SetRole) (protocol.Message, rides.Outbox, error) {
	id, err := r.users.SetRole(ctx, cs.identity.UserID, users.RoleUpdate{Role: p.Role, Area: p.Area, MinRating: p.MinRating})
	if err != nil {
		return fail(err)
	}
	r.sessions.UpdateIdentity(id)
	cs.identity = &id
	return reply(protocol.TypeSetRoleOK, protocol.LoginAck{User: protocol.UserView(id)})
}

func (r *Router) addSchedule(ctx context.Context, cs *connState, p *protocol.AddSchedule) (protocol.Message, rides.Outbox, error) {
	if !cs.identity.IsDriver() {
		return fail(apperrors.Auth("only drivers keep a schedule"))
	}
	e, err := p.Entry("", cs.identity.Area)
	if err != nil {
		return fail(err)
	}
	e.DriverID = cs.identity.UserID
	saved, err := r.schedules.Add(ctx, e)
	if err != nil {
		return fail(apperrors.Internal(err, "store schedule"))
	}
	return reply(protocol.TypeAddScheduleOK, protocol.ScheduleView(saved))
}

func (r *Router) listSchedule(ctx context.Context, cs *connState, _ *protocol.Empty) (protocol.Message, rides.Outbox, error) {
	entries, err := r.schedules.List(ctx, cs.identity.UserID)
	if err != nil {
		return fail(apperrors.Internal(err, "list schedule"))
	}
	list := protocol.ScheduleList{Entries: make([]protocol.Schedule, 0, len(entries))}
	for _, e := range entries {
		list.Entries = append(list.Entries, protocol.ScheduleView(e))
	}
	return reply(protocol.TypeScheduleList, list)
}

func (r *Router) deleteSchedule(ctx context.Context, cs *connState, p *protocol.DeleteSchedule) (protocol.Message, rides.Outbox, error) {
	if err := r.schedules.Delete(ctx, cs.identity.UserID, p.ScheduleID); err != nil {
		return fail(err)
	}
	return reply(protocol.TypeDeleteScheduleOK, protocol.ScheduleDeleted{ScheduleID: p.ScheduleID})
}

func (r *Router) broadcastRide(ctx context.Context, cs *connState, p *protocol.BroadcastRide) (protocol.Message, rides.Outbox, error) {
	if p.PassengerID != cs.identity.UserID {
		return fail(apperrors.Auth("passenger_id does not match the logged in user"))
	}
	params, err := p.Params()
	if err != nil {
		return fail(err)
	}
	if p.MinRating == nil {
		params.MinRating = float64(cs.identity.MinRating)
	}
	ride, out, err := r.rides.Create(ctx, *cs.identity, params)
	if errors.Is(err, apperrors.ErrNoDrivers) {
		return reply(protocol.TypeNoDriversFound, protocol.NoDrivers{RideID: ride.ID, Reason: string(models.ReasonNoDrivers)})
	}
	if err != nil {
		return fail(err)
	}
	return protocol.New(protocol.TypeBroadcastOK, protocol.BroadcastAck{RideID: ride.ID, Candidates: len(ride.Candidates)}), out, nil
}

func (r *Router) driverResponse(ctx context.Context, cs *connState, p *protocol.DriverResponse) (protocol.Message, rides.Outbox, error) {
	ack, out, err := r.rides.Respond(ctx, *cs.identity, p.RideID, p.Status)
	if err != nil {
		return fail(err)
	}
	return protocol.New(protocol.TypeDriverRespOK, ack), out, nil
}

func (r *Router) updateRating(ctx context.Context, cs *connState, p *protocol.UpdateRating) (protocol.Message, rides.Outbox, error) {
	if p.RaterID != 0 && p.RaterID != cs.identity.UserID {
		return fail(apperrors.Auth("rater_user_id does not match the logged in user"))
	}
	ack, err := r.rides.Rate(ctx, *cs.identity, p.RideID, p.Rating)
	if err != nil {
		return fail(err)
	}
	return reply(protocol.TypeUpdateRatingOK, ack)
}

type rideOp func(ctx context.Context, actor models.Identity, rideID string) (models.Ride, rides.Outbox, error)

func (r *Router) rideAction(okType string, op rideOp) func(context.Context, *connState, *protocol.RideAction) (protocol.Message, rides.Outbox, error) {
	return func(ctx context.Context, cs *connState, p *protocol.RideAction) (protocol.Message, rides.Outbox, error) {
		ride, out, err := op(ctx, *cs.identity, p.RideID)
		if err != nil {
			return fail(err)
		}
		return protocol.New(okType, protocol.RideAck{RideID: ride.ID, Status: ride.State}), out, nil
	}
}

func (r *Router) fetchRides(ctx context.Context, cs *connState, _ *protocol.Empty) (protocol.Message, rides.Outbox, error) {
	list, err := r.rides.RidesFor(ctx, cs.identity.UserID)
	if err != nil {
		return fail(err)
	}
	out := protocol.RidesList{Rides: make([]protocol.Ride, 0, len(list))}
	for _, ride := range list {
		out.Rides = append(out.Rides, protocol.RideView(ride))
	}
	return reply(protocol.TypeRidesList, out)
}

func (r *Router) fetchRideRequests(_ context.Context, cs *connState, _ *protocol.Empty) (protocol.Message, rides.Outbox, error) {
	offers := r.rides.OpenOffersFor(cs.identity.UserID)
	out := protocol.RideRequestList{Requests: make([]protocol.RideRequest, 0, len(offers))}
	for _, ride := range offers {
		out.Requests = append(out.Requests, protocol.RideRequestView(ride))
	}
	return reply(protocol.TypeRideRequestList, out)
}

func (r *Router) sendMessage(_ context.Context, cs *connState, p *protocol.SendMessage) (protocol.Message, rides.Outbox, error) {
	msg, err := r.chat.Send(*cs.identity, p.To, p.Message)
	if err != nil {
		return fail(err)
	}
	return reply(protocol.TypeSendMessageOK, protocol.SendMessageAck{SentAt: protocol.ChatMessageView(msg).SentAt})
}

func (r *Router) fetchMessages(_ context.Context, cs *connState, p *protocol.FetchMessages) (protocol.Message, rides.Outbox, error) {
	history := r.chat.History(cs.identity.Username, p.With)
	out := protocol.Messages{With: p.With, Messages: make([]protocol.ChatMessage, 0, len(history))}
	for _, m := range history {
		out.Messages = append(out.Messages, protocol.ChatMessageView(m))
	}
	return reply(protocol.TypeMessages, out)
}

func (r *Router) listContacts(_ context.Context, cs *connState, _ *protocol.Empty) (protocol.Message, rides.Outbox, error) {
	return reply(protocol.TypeContacts, protocol.Contacts{Contacts: r.chat.Contacts(cs.identity.Username)})
}
