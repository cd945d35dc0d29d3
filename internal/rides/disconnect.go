package rides

import (
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// SessionEnded fails in-flight rides of a user whose session went away. A superseded
// session keeps its rides since the same user is still connected.
func (m *Machine) SessionEnded(id models.Identity, reason session.EndReason) {
	if reason == session.EndSuperseded {
		return
	}
	for _, e := range m.live.entries() {
		_, out, _ := m.apply(e, func() (Outbox, error) { return m.dropParticipant(e, id), nil })
		m.deliver(out)
	}
}

func (m *Machine) dropParticipant(e *entry, id models.Identity) Outbox {
	r := &e.ride
	uid := id.UserID
	switch {
	case r.PassengerID == uid && cancellable(r.State),
		r.AcceptedDriverID == uid && (r.State == models.StateAccepted || r.State == models.StateStarted):
		targets := m.counterparts(e, uid)
		m.transition(e, models.StateCancelled, models.ReasonDisconnect)
		var out Outbox
		for _, to := range targets {
			out.add(to, protocol.TypeRideCancelled, protocol.RideEvent{RideID: r.ID, Reason: models.ReasonDisconnect, By: id.Username})
		}
		return out
	case r.State == models.StateOffered && r.IsCandidate(uid):
		if _, answered := r.Responses[uid]; answered {
			return nil
		}
		m.logger.Info("candidate_disconnected", "ride_id", r.ID, "driver_id", uid)
		return m.deny(e, id)
	}
	return nil
}
