package rides

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultOfferTimeout bounds how long a ride may sit in OFFERED.
const DefaultOfferTimeout = 2 * time.Minute

const (
	archiveTimeout = 5 * time.Second
	historyLimit   = 50
)

// Notice is one notification for a user other than the requester.
type Notice struct {
	To  int64
	Msg protocol.Message
}

// Outbox holds the notifications produced by a transition, in delivery order. Callers
// reply to the requester first and then deliver the outbox.
type Outbox []Notice

func (o *Outbox) add(to int64, typ string, payload any) {
	*o = append(*o, Notice{To: to, Msg: protocol.New(typ, payload)})
}

func (o Outbox) Deliver(n Notifier) {
	for _, x := range o {
		n.Notify(x.To, x.Msg)
	}
}

type Notifier interface {
	Notify(userID int64, m protocol.Message) bool
}

type Matcher interface {
	Eligible(ctx context.Context, passengerID int64, p models.RideParams) ([]models.Identity, error)
}

type PeerLookup interface {
	PeerOf(userID int64) (models.PeerEndpoint, bool)
}

type Config struct {
	Matcher Matcher
	Peers   PeerLookup
	Archive storage.TripStore
	// Ratings defaults to Archive when it also stores ratings.
	Ratings storage.RatingStore
	// Events is called with the ride lock held and must not block; wrap broker publishers
	// in events.Async.
	Events events.Publisher
	// Notifier delivers notifications raised outside a request: offer timeouts and
	// disconnects.
	Notifier     Notifier
	OfferTimeout time.Duration
	Logger       *slog.Logger
}

// Machine owns every live ride and enforces the lifecycle
// REQUESTED -> OFFERED -> ACCEPTED -> STARTED -> COMPLETED, with CANCELLED reachable
// before STARTED. Terminal rides are archived and evicted from the live table.
type Machine struct {
	live         *table
	matcher      Matcher
	peers        PeerLookup
	archive      storage.TripStore
	ratings      storage.RatingStore
	events       events.Publisher
	notifier     Notifier
	offerTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
	closed       atomic.Bool
}

func NewMachine(cfg Config) *Machine {
	m := &Machine{
		live:         newTable(),
		matcher:      cfg.Matcher,
		peers:        cfg.Peers,
		archive:      cfg.Archive,
		ratings:      cfg.Ratings,
		events:       cfg.Events,
		notifier:     cfg.Notifier,
		offerTimeout: cfg.OfferTimeout,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if m.archive == nil {
		m.archive = storage.NewMemoryStore()
	}
	if m.ratings == nil {
		if rs, ok := m.archive.(storage.RatingStore); ok {
			m.ratings = rs
		} else {
			m.ratings = storage.NewMemoryRatings()
		}
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "rides")
	return m
}

// Create records a ride for passenger and offers it to every eligible driver. When nobody
// is eligible the ride is cancelled with reason no_drivers and the returned error is a
// NoDrivers error carrying no notifications. A matcher failure cancels with match_failed
// and returns the matcher's error.
func (m *Machine) Create(ctx context.Context, passenger models.Identity, p models.RideParams) (models.Ride, Outbox, error) {
	now := m.now()
	e := &entry{ride: models.Ride{
		ID:                uuid.NewString(),
		PassengerID:       passenger.UserID,
		PassengerUsername: passenger.Username,
		PassengerName:     passenger.Name,
		Direction:         p.Direction,
		Day:               p.Day,
		Time:              p.Time,
		Area:              p.Area,
		State:             models.StateRequested,
		Responses:         make(map[int64]models.ResponseStatus),
		CreatedAt:         now,
		UpdatedAt:         now,
	}}
	e.mu.Lock()
	m.live.put(e)
	observability.RidesLive.Inc()
	observability.RideTransitions.WithLabelValues("", string(models.StateRequested), "").Inc()
	m.emit(e.ride, "")
	e.mu.Unlock()

	drivers, matchErr := m.matcher.Eligible(ctx, passenger.UserID, p)

	return m.apply(e, func() (Outbox, error) {
		if e.ride.State != models.StateRequested {
			return nil, apperrors.StateConflict("ride %s is %s", e.ride.ID, e.ride.State)
		}
		if matchErr != nil {
			reason := models.ReasonNoDrivers
			if apperrors.KindOf(matchErr) != apperrors.KindNoDrivers {
				reason = models.ReasonMatchFailed
				m.logger.Error("match_failed", "ride_id", e.ride.ID, "error", matchErr)
			}
			m.transition(e, models.StateCancelled, reason)
			return nil, matchErr
		}
		e.drivers = make(map[int64]models.Identity, len(drivers))
		for _, d := range drivers {
			e.ride.Candidates = append(e.ride.Candidates, d.UserID)
			e.drivers[d.UserID] = d
		}
		m.transition(e, models.StateOffered, models.ReasonNone)
		if m.offerTimeout > 0 {
			id := e.ride.ID
			e.timer = time.AfterFunc(m.offerTimeout, func() { m.expire(id) })
		}
		var out Outbox
		req := protocol.RideRequestView(e.ride)
		for _, id := range e.ride.Candidates {
			out.add(id, protocol.TypeRideRequest, req)
		}
		return out, nil
	})
}

// Respond records a candidate's answer. The first ACCEPTED wins through a compare-and-set on
// the accepted driver id; later accepts are acknowledged with Assigned false and change nothing.
func (m *Machine) Respond(ctx context.Context, driver models.Identity, rideID string, status models.ResponseStatus) (protocol.DriverResponseAck, Outbox, error) {
	ack := protocol.DriverResponseAck{RideID: rideID, Status: status}
	e, archived, err := m.lookup(ctx, rideID)
	if err != nil {
		return ack, nil, err
	}
	if e == nil {
		if !archived.IsCandidate(driver.UserID) {
			return ack, nil, apperrors.Auth("not a candidate for ride %s", rideID)
		}
		if archived.Responses[driver.UserID] == models.ResponseDenied {
			return ack, nil, apperrors.StateConflict("already denied ride %s", rideID)
		}
		if status == models.ResponseAccepted {
			observability.AcceptRacesLost.Inc()
			return ack, nil, nil
		}
		return ack, nil, apperrors.StateConflict("ride %s is %s", rideID, archived.State)
	}

	_, out, err := m.apply(e, func() (Outbox, error) {
		if !e.ride.IsCandidate(driver.UserID) {
			return nil, apperrors.Auth("not a candidate for ride %s", rideID)
		}
		if status == models.ResponseAccepted {
			return m.accept(e, driver, &ack)
		}
		if e.ride.State != models.StateOffered {
			return nil, apperrors.StateConflict("ride %s is %s", rideID, e.ride.State)
		}
		if _, done := e.ride.Responses[driver.UserID]; done {
			return nil, apperrors.StateConflict("already responded to ride %s", rideID)
		}
		return m.deny(e, driver), nil
	})
	return ack, out, err
}

func (m *Machine) accept(e *entry, d models.Identity, ack *protocol.DriverResponseAck) (Outbox, error) {
	r := &e.ride
	if r.AcceptedDriverID == d.UserID {
		ack.Assigned = true
		return nil, nil
	}
	if r.Responses[d.UserID] == models.ResponseDenied {
		return nil, apperrors.StateConflict("already denied ride %s", r.ID)
	}
	if r.State != models.StateOffered || !e.accepted.CompareAndSwap(0, d.UserID) {
		observability.AcceptRacesLost.Inc()
		m.logger.Debug("accept_lost", "ride_id", r.ID, "driver_id", d.UserID, "winner", e.accepted.Load())
		return nil, nil
	}
	r.AcceptedDriverID = d.UserID
	r.DriverUsername = d.Username
	r.Responses[d.UserID] = models.ResponseAccepted
	others := e.undecided(d.UserID)
	m.transition(e, models.StateAccepted, models.ReasonNone)
	ack.Assigned = true

	notice := protocol.DriverResponseNotice{
		RideID:         r.ID,
		Status:         models.ResponseAccepted,
		DriverID:       d.UserID,
		DriverUsername: d.Username,
		DriverName:     d.Name,
	}
	if m.peers != nil {
		if ep, ok := m.peers.PeerOf(d.UserID); ok {
			notice.DriverIP, notice.DriverPort = ep.IP, ep.Port
		}
	}
	var out Outbox
	out.add(r.PassengerID, protocol.TypeDriverResponse, notice)
	for _, id := range others {
		out.add(id, protocol.TypeRideUnavailable, protocol.RideEvent{RideID: r.ID})
	}
	return out, nil
}

// deny records a denial. Once every candidate has denied the ride is cancelled immediately.
func (m *Machine) deny(e *entry, d models.Identity) Outbox {
	r := &e.ride
	r.Responses[d.UserID] = models.ResponseDenied
	var out Outbox
	out.add(r.PassengerID, protocol.TypeDriverResponse, protocol.DriverResponseNotice{
		RideID:         r.ID,
		Status:         models.ResponseDenied,
		DriverID:       d.UserID,
		DriverUsername: d.Username,
	})
	if e.allDenied() {
		m.transition(e, models.StateCancelled, models.ReasonNoDrivers)
		out.add(r.PassengerID, protocol.TypeRideCancelled, protocol.RideEvent{RideID: r.ID, Reason: models.ReasonNoDrivers})
	}
	return out
}

// Start moves an ACCEPTED ride to STARTED. Only the assigned driver may start it.
func (m *Machine) Start(ctx context.Context, actor models.Identity, rideID string) (models.Ride, Outbox, error) {
	e, archived, err := m.lookup(ctx, rideID)
	if err != nil {
		return models.Ride{}, nil, err
	}
	if e == nil {
		return models.Ride{}, nil, archivedErr(archived, actor.UserID)
	}
	return m.apply(e, func() (Outbox, error) {
		r := &e.ride
		if !r.Involves(actor.UserID) && !r.IsCandidate(actor.UserID) {
			return nil, apperrors.Auth("not part of ride %s", rideID)
		}
		if r.State != models.StateAccepted {
			return nil, apperrors.StateConflict("cannot start ride in state %s", r.State)
		}
		if r.AcceptedDriverID != actor.UserID {
			return nil, apperrors.Auth("only the assigned driver can start ride %s", rideID)
		}
		m.transition(e, models.StateStarted, models.ReasonNone)
		var out Outbox
		out.add(r.PassengerID, protocol.TypeRideStarted, protocol.RideEvent{RideID: r.ID, By: actor.Username})
		return out, nil
	})
}

// Complete moves a STARTED ride to COMPLETED. Either party may complete it.
func (m *Machine) Complete(ctx context.Context, actor models.Identity, rideID string) (models.Ride, Outbox, error) {
	e, archived, err := m.lookup(ctx, rideID)
	if err != nil {
		return models.Ride{}, nil, err
	}
	if e == nil {
		return models.Ride{}, nil, archivedErr(archived, actor.UserID)
	}
	return m.apply(e, func() (Outbox, error) {
		r := &e.ride
		if !r.Involves(actor.UserID) {
			return nil, apperrors.Auth("not part of ride %s", rideID)
		}
		if r.State != models.StateStarted {
			return nil, apperrors.StateConflict("cannot complete ride in state %s", r.State)
		}
		m.transition(e, models.StateCompleted, models.ReasonNone)
		other := r.AcceptedDriverID
		if actor.UserID == r.AcceptedDriverID {
			other = r.PassengerID
		}
		var out Outbox
		out.add(other, protocol.TypeRideCompleted, protocol.RideEvent{RideID: r.ID, By: actor.Username})
		return out, nil
	})
}

// Cancel is honored for REQUESTED, OFFERED and ACCEPTED rides. Cancelling a STARTED or
// terminal ride is a state conflict and changes nothing.
func (m *Machine) Cancel(ctx context.Context, actor models.Identity, rideID string) (models.Ride, Outbox, error) {
	e, archived, err := m.lookup(ctx, rideID)
	if err != nil {
		return models.Ride{}, nil, err
	}
	if e == nil {
		return models.Ride{}, nil, archivedErr(archived, actor.UserID)
	}
	return m.apply(e, func() (Outbox, error) {
		r := &e.ride
		if !r.Involves(actor.UserID) {
			return nil, apperrors.Auth("not part of ride %s", rideID)
		}
		if !cancellable(r.State) {
			return nil, apperrors.StateConflict("cannot cancel ride in state %s", r.State)
		}
		targets := m.counterparts(e, actor.UserID)
		m.transition(e, models.StateCancelled, models.ReasonUser)
		var out Outbox
		for _, id := range targets {
			out.add(id, protocol.TypeRideCancelled, protocol.RideEvent{RideID: r.ID, Reason: models.ReasonUser, By: actor.Username})
		}
		return out, nil
	})
}

func cancellable(s models.RideState) bool {
	return s == models.StateRequested || s == models.StateOffered || s == models.StateAccepted
}

// counterparts are the users told about a cancellation initiated by actor: undecided
// candidates while OFFERED, otherwise the other party.
func (m *Machine) counterparts(e *entry, actor int64) []int64 {
	r := &e.ride
	var out []int64
	if actor != r.PassengerID {
		out = append(out, r.PassengerID)
	}
	switch r.State {
	case models.StateOffered:
		out = append(out, e.undecided(actor)...)
	case models.StateAccepted, models.StateStarted:
		if r.AcceptedDriverID != actor {
			out = append(out, r.AcceptedDriverID)
		}
	}
	return out
}

func (m *Machine) expire(rideID string) {
	if m.closed.Load() {
		return
	}
	e, ok := m.live.get(rideID)
	if !ok {
		return
	}
	_, out, _ := m.apply(e, func() (Outbox, error) {
		if e.ride.State != models.StateOffered {
			return nil, nil
		}
		targets := append([]int64{e.ride.PassengerID}, e.undecided(0)...)
		m.transition(e, models.StateCancelled, models.ReasonTimeout)
		var out Outbox
		for _, id := range targets {
			out.add(id, protocol.TypeRideCancelled, protocol.RideEvent{RideID: rideID, Reason: models.ReasonTimeout})
		}
		return out, nil
	})
	m.deliver(out)
}

// Get returns a live ride or, failing that, its archived record.
func (m *Machine) Get(ctx context.Context, rideID string) (models.Ride, error) {
	e, archived, err := m.lookup(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	if e == nil {
		return archived, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// RidesFor lists live and archived rides where the user is passenger or driver, newest first.
func (m *Machine) RidesFor(ctx context.Context, userID int64) ([]models.Ride, error) {
	seen := make(map[string]bool)
	var out []models.Ride
	for _, e := range m.live.entries() {
		e.mu.Lock()
		if e.ride.Involves(userID) {
			out = append(out, e.snapshot())
			seen[e.ride.ID] = true
		}
		e.mu.Unlock()
	}
	past, err := m.archive.RidesForUser(ctx, userID, historyLimit)
	if err != nil {
		return nil, apperrors.Internal(err, "load ride history")
	}
	for _, r := range past {
		if !seen[r.ID] {
			out = append(out, r)
		}
	}
	storage.SortNewestFirst(out)
	return out, nil
}

// OpenOffersFor lists OFFERED rides the driver has not answered yet.
func (m *Machine) OpenOffersFor(driverID int64) []models.Ride {
	var out []models.Ride
	for _, e := range m.live.entries() {
		e.mu.Lock()
		if e.ride.State == models.StateOffered && e.ride.IsCandidate(driverID) {
			if _, answered := e.ride.Responses[driverID]; !answered {
				out = append(out, e.snapshot())
			}
		}
		e.mu.Unlock()
	}
	storage.SortNewestFirst(out)
	return out
}

// Live is the number of rides in the live table.
func (m *Machine) Live() int { return m.live.len() }

// Close stops pending offer timers. Timers that already fired no longer cancel their rides.
func (m *Machine) Close() {
	m.closed.Store(true)
	for _, e := range m.live.entries() {
		e.mu.Lock()
		e.stopTimer()
		e.mu.Unlock()
	}
}

func (m *Machine) lookup(ctx context.Context, rideID string) (*entry, models.Ride, error) {
	if e, ok := m.live.get(rideID); ok {
		return e, models.Ride{}, nil
	}
	r, err := m.archive.GetRide(ctx, rideID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, models.Ride{}, apperrors.NotFound("ride %s not found", rideID)
		}
		return nil, models.Ride{}, apperrors.Internal(err, "load ride %s", rideID)
	}
	return nil, r, nil
}

func archivedErr(r models.Ride, actor int64) error {
	if !r.Involves(actor) && !r.IsCandidate(actor) {
		return apperrors.Auth("not part of ride %s", r.ID)
	}
	return apperrors.StateConflict("ride %s is already %s", r.ID, r.State)
}

// apply runs fn with the ride locked. The caller that moves a ride into a terminal state
// archives and evicts it once the lock is released.
func (m *Machine) apply(e *entry, fn func() (Outbox, error)) (models.Ride, Outbox, error) {
	e.mu.Lock()
	from := e.ride.State
	out, err := fn()
	r := e.snapshot()
	e.mu.Unlock()
	if !from.Terminal() && r.State.Terminal() {
		m.finish(r)
	}
	return r, out, err
}

// transition must be called with e.mu held.
func (m *Machine) transition(e *entry, to models.RideState, reason models.CancelReason) {
	from := e.ride.State
	now := m.now()
	e.ride.State = to
	e.ride.Reason = reason
	e.ride.UpdatedAt = now
	switch to {
	case models.StateAccepted:
		e.stopTimer()
	case models.StateStarted:
		e.ride.StartedAt = &now
	case models.StateCompleted, models.StateCancelled:
		e.ride.EndedAt = &now
		e.stopTimer()
	}
	observability.RideTransitions.WithLabelValues(string(from), string(to), string(reason)).Inc()
	m.logger.Info("ride_transition", "ride_id", e.ride.ID, "from", from, "to", to, "reason", reason)
	m.emit(e.ride, from)
}

func (m *Machine) emit(r models.Ride, from models.RideState) {
	err := m.events.Publish(context.Background(), events.RideEvent{
		RideID:      r.ID,
		From:        from,
		To:          r.State,
		Reason:      r.Reason,
		PassengerID: r.PassengerID,
		DriverID:    r.AcceptedDriverID,
		Area:        r.Area,
		At:          r.UpdatedAt,
	})
	if err != nil {
		observability.EventPublishErrors.Inc()
		m.logger.Warn("ride_event_failed", "ride_id", r.ID, "error", err)
	}
}

func (m *Machine) finish(r models.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := m.archive.SaveRide(ctx, r); err != nil {
		// keep it live so the record is not lost
		m.logger.Error("ride_archive_failed", "ride_id", r.ID, "error", err)
		return
	}
	if m.live.remove(r.ID) {
		observability.RidesLive.Dec()
	}
}

func (m *Machine) deliver(out Outbox) {
	if m.notifier == nil || len(out) == 0 {
		return
	}
	out.Deliver(m.notifier)
}
