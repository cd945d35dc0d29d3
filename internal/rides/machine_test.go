package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

type fakeMatcher struct {
	drivers []models.Identity
	err     error
}

func (f *fakeMatcher) Eligible(context.Context, int64, models.RideParams) ([]models.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.drivers) == 0 {
		return nil, apperrors.NoDrivers("no drivers available")
	}
	return f.drivers, nil
}

type fakePeers map[int64]models.PeerEndpoint

func (f fakePeers) PeerOf(id int64) (models.PeerEndpoint, bool) {
	ep, ok := f[id]
	return ep, ok
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notice
}

func (r *recordingNotifier) Notify(userID int64, m protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, Notice{To: userID, Msg: m})
	return true
}

func (r *recordingNotifier) notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.got...)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []events.RideEvent
}

func (r *recordingEvents) Publish(_ context.Context, e events.RideEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *recordingEvents) Close() error { return nil }

func (r *recordingEvents) states() []models.RideState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RideState
	for _, e := range r.events {
		out = append(out, e.To)
	}
	return out
}

var (
	passenger = models.Identity{UserID: 1, Username: "P", Name: "Pat", Role: models.RolePassenger}
	params    = models.RideParams{Day: time.Monday, Time: models.Clock(9*60 + 30), Area: "north"}
)

func drivers(n int) []models.Identity {
	out := make([]models.Identity, n)
	for i := range out {
		out[i] = models.Identity{UserID: int64(100 + i), Username: "D" + string(rune('A'+i)), Name: "Driver", Role: models.RoleDriver}
	}
	return out
}

type harness struct {
	m        *Machine
	notifier *recordingNotifier
	events   *recordingEvents
}

func newHarness(t *testing.T, ds []models.Identity, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{notifier: &recordingNotifier{}, events: &recordingEvents{}}
	h.m = NewMachine(Config{
		Matcher:      &fakeMatcher{drivers: ds},
		Peers:        fakePeers{100: {IP: "10.0.0.5", Port: 5000}},
		Events:       h.events,
		Notifier:     h.notifier,
		OfferTimeout: timeout,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(h.m.Close)
	return h
}

func types(out Outbox) []string {
	var ts []string
	for _, n := range out {
		ts = append(ts, n.Msg.Type)
	}
	return ts
}

func TestCreateOffersEveryCandidate(t *testing.T) {
	h := newHarness(t, drivers(3), 0)
	r, out, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)
	assert.Equal(t, models.StateOffered, r.State)
	assert.Equal(t, []int64{100, 101, 102}, r.Candidates)
	require.Len(t, out, 3)
	for i, n := range out {
		assert.Equal(t, int64(100+i), n.To)
		assert.Equal(t, protocol.TypeRideRequest, n.Msg.Type)
		req := n.Msg.Payload.(protocol.RideRequest)
		assert.Equal(t, r.ID, req.RideID)
		assert.Equal(t, "09:30", req.Time)
	}
	assert.Equal(t, []models.RideState{models.StateRequested, models.StateOffered}, h.events.states())
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	const n = 16
	ds := drivers(n)
	h := newHarness(t, ds, 0)
	r, _, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		winners []int64
		outs    = map[int64]Outbox{}
	)
	for _, d := range ds {
		wg.Add(1)
		go func(d models.Identity) {
			defer wg.Done()
			<-start
			ack, out, err := h.m.Respond(context.Background(), d, r.ID, models.ResponseAccepted)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ack.Assigned {
				winners = append(winners, d.UserID)
			}
			outs[d.UserID] = out
		}(d)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	winner := winners[0]
	got, err := h.m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAccepted, got.State)
	assert.Equal(t, winner, got.AcceptedDriverID)

	for id, out := range outs {
		if id != winner {
			assert.Empty(t, out, "loser %d must not produce notifications", id)
		}
	}
	win := outs[winner]
	require.NotEmpty(t, win)
	assert.Equal(t, passenger.UserID, win[0].To)
	notice := win[0].Msg.Payload.(protocol.DriverResponseNotice)
	assert.Equal(t, winner, notice.DriverID)
	for _, n := range win[1:] {
		assert.Equal(t, protocol.TypeRideUnavailable, n.Msg.Type)
		assert.NotEqual(t, winner, n.To)
	}
}

func TestAcceptCarriesPeerEndpoint(t *testing.T) {
	h := newHarness(t, drivers(2), 0)
	r, _, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)

	ack, out, err := h.m.Respond(context.Background(), drivers(1)[0], r.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.True(t, ack.Assigned)
	assert.Equal(t, []string{protocol.TypeDriverResponse, protocol.TypeRideUnavailable}, types(out))
	notice := out[0].Msg.Payload.(protocol.DriverResponseNotice)
	assert.Equal(t, models.ResponseAccepted, notice.Status)
	assert.Equal(t, "10.0.0.5", notice.DriverIP)
	assert.Equal(t, 5000, notice.DriverPort)
	assert.Equal(t, int64(101), out[1].To)

	// a repeated accept by the winner is acknowledged again without side effects
	ack, out, err = h.m.Respond(context.Background(), drivers(1)[0], r.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.True(t, ack.Assigned)
	assert.Empty(t, out)

	// the loser is told it was not assigned
	ack, out, err = h.m.Respond(context.Background(), drivers(2)[1], r.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.False(t, ack.Assigned)
	assert.Empty(t, out)
}

func TestNoDriversCancelsWithoutOffers(t *testing.T) {
	h := newHarness(t, nil, 0)
	r, out, err := h.m.Create(context.Background(), passenger, params)
	assert.ErrorIs(t, err, apperrors.ErrNoDrivers)
	assert.Empty(t, out)
	assert.Equal(t, models.StateCancelled, r.State)
	assert.Equal(t, models.ReasonNoDrivers, r.Reason)
	assert.Equal(t, []models.RideState{models.StateRequested, models.StateCancelled}, h.events.states())

	// archived and evicted
	assert.Equal(t, 0, h.m.Live())
	got, err := h.m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
}

func TestMatcherFailureIsNotNoDrivers(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.m.matcher = &fakeMatcher{err: apperrors.Internal(errors.New("redis down"), "driver lookup")}
	r, out, err := h.m.Create(context.Background(), passenger, params)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
	assert.NotErrorIs(t, err, apperrors.ErrNoDrivers)
	assert.Empty(t, out)
	assert.Equal(t, models.StateCancelled, r.State)
	assert.Equal(t, models.ReasonMatchFailed, r.Reason)
}

func TestLifecycleIsMonotonic(t *testing.T) {
	ds := drivers(1)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)

	_, _, err = h.m.Start(ctx, ds[0], r.ID)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "start before accept")

	_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseAccepted)
	require.NoError(t, err)

	_, _, err = h.m.Complete(ctx, passenger, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "complete before start")

	_, _, err = h.m.Start(ctx, passenger, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrAuth, "only the driver starts")

	started, out, err := h.m.Start(ctx, ds[0], r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateStarted, started.State)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, []string{protocol.TypeRideStarted}, types(out))
	assert.Equal(t, passenger.UserID, out[0].To)

	_, _, err = h.m.Cancel(ctx, passenger, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "cancel while started")

	done, out, err := h.m.Complete(ctx, passenger, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, done.State)
	require.Len(t, out, 1)
	assert.Equal(t, ds[0].UserID, out[0].To)
	assert.Equal(t, protocol.TypeRideCompleted, out[0].Msg.Type)

	_, _, err = h.m.Cancel(ctx, passenger, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "cancel after completion")
	_, _, err = h.m.Complete(ctx, ds[0], r.ID)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict)

	got, err := h.m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, []models.RideState{
		models.StateRequested, models.StateOffered, models.StateAccepted, models.StateStarted, models.StateCompleted,
	}, h.events.states())
}

func TestAllDeniedCancelsImmediately(t *testing.T) {
	ds := drivers(2)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)

	_, out, err := h.m.Respond(ctx, ds[0], r.ID, models.ResponseDenied)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeDriverResponse}, types(out))

	_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseDenied)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "second answer")

	_, out, err = h.m.Respond(ctx, ds[1], r.ID, models.ResponseDenied)
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeDriverResponse, protocol.TypeRideCancelled}, types(out))
	ev := out[1].Msg.Payload.(protocol.RideEvent)
	assert.Equal(t, models.ReasonNoDrivers, ev.Reason)

	got, err := h.m.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Zero(t, got.AcceptedDriverID)
}

func TestCancelByPassengerNotifiesUndecided(t *testing.T) {
	ds := drivers(3)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)
	_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseDenied)
	require.NoError(t, err)

	_, _, err = h.m.Cancel(ctx, ds[1], r.ID)
	assert.ErrorIs(t, err, apperrors.ErrAuth, "candidates cannot cancel")

	got, out, err := h.m.Cancel(ctx, passenger, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonUser, got.Reason)
	var to []int64
	for _, n := range out {
		to = append(to, n.To)
	}
	assert.Equal(t, []int64{101, 102}, to)
}

func TestRespondErrors(t *testing.T) {
	h := newHarness(t, drivers(1), 0)
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)

	_, _, err = h.m.Respond(ctx, drivers(5)[4], r.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, apperrors.ErrAuth)
	_, _, err = h.m.Respond(ctx, drivers(1)[0], "nope", models.ResponseAccepted)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestArchivedAcceptAfterDeny(t *testing.T) {
	ds := drivers(3)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)
	_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseDenied)
	require.NoError(t, err)
	_, _, err = h.m.Cancel(ctx, passenger, r.ID)
	require.NoError(t, err)
	require.Equal(t, 0, h.m.Live())

	_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseAccepted)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "denied driver cannot accept later")

	ack, _, err := h.m.Respond(ctx, ds[1], r.ID, models.ResponseAccepted)
	require.NoError(t, err)
	assert.False(t, ack.Assigned)
}

func TestOfferTimeout(t *testing.T) {
	ds := drivers(2)
	h := newHarness(t, ds, 20*time.Millisecond)
	r, _, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.notifier.notices()) == 3 }, time.Second, 5*time.Millisecond)
	for _, n := range h.notifier.notices() {
		assert.Equal(t, protocol.TypeRideCancelled, n.Msg.Type)
		assert.Equal(t, models.ReasonTimeout, n.Msg.Payload.(protocol.RideEvent).Reason)
	}
	got, err := h.m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Equal(t, models.ReasonTimeout, got.Reason)
}

func TestAcceptStopsOfferTimer(t *testing.T) {
	ds := drivers(1)
	h := newHarness(t, ds, 30*time.Millisecond)
	r, _, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)
	_, _, err = h.m.Respond(context.Background(), ds[0], r.ID, models.ResponseAccepted)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	got, err := h.m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAccepted, got.State)
	assert.Empty(t, h.notifier.notices())
}

func TestDisconnects(t *testing.T) {
	ctx := context.Background()

	t.Run("passenger", func(t *testing.T) {
		ds := drivers(2)
		h := newHarness(t, ds, 0)
		r, _, err := h.m.Create(ctx, passenger, params)
		require.NoError(t, err)
		h.m.SessionEnded(passenger, session.EndDisconnect)

		got, err := h.m.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReasonDisconnect, got.Reason)
		assert.Len(t, h.notifier.notices(), 2)
	})

	t.Run("candidate counts as denied", func(t *testing.T) {
		ds := drivers(2)
		h := newHarness(t, ds, 0)
		r, _, err := h.m.Create(ctx, passenger, params)
		require.NoError(t, err)
		h.m.SessionEnded(ds[0], session.EndDisconnect)
		got, err := h.m.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateOffered, got.State)
		assert.Equal(t, models.ResponseDenied, got.Responses[ds[0].UserID])

		h.m.SessionEnded(ds[1], session.EndLogout)
		got, err = h.m.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ReasonNoDrivers, got.Reason)
	})

	t.Run("assigned driver while started", func(t *testing.T) {
		ds := drivers(1)
		h := newHarness(t, ds, 0)
		r, _, err := h.m.Create(ctx, passenger, params)
		require.NoError(t, err)
		_, _, err = h.m.Respond(ctx, ds[0], r.ID, models.ResponseAccepted)
		require.NoError(t, err)
		_, _, err = h.m.Start(ctx, ds[0], r.ID)
		require.NoError(t, err)

		h.m.SessionEnded(ds[0], session.EndDisconnect)
		got, err := h.m.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, got.State)
		n := h.notifier.notices()
		require.Len(t, n, 1)
		assert.Equal(t, passenger.UserID, n[0].To)
	})

	t.Run("superseded keeps rides", func(t *testing.T) {
		h := newHarness(t, drivers(1), 0)
		r, _, err := h.m.Create(ctx, passenger, params)
		require.NoError(t, err)
		h.m.SessionEnded(passenger, session.EndSuperseded)
		got, err := h.m.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateOffered, got.State)
	})
}

func TestQueries(t *testing.T) {
	ds := drivers(2)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	first, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)
	_, _, err = h.m.Cancel(ctx, passenger, first.ID)
	require.NoError(t, err)
	second, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)

	rides, err := h.m.RidesFor(ctx, passenger.UserID)
	require.NoError(t, err)
	require.Len(t, rides, 2)
	ids := map[string]bool{rides[0].ID: true, rides[1].ID: true}
	assert.True(t, ids[first.ID] && ids[second.ID])

	offers := h.m.OpenOffersFor(ds[0].UserID)
	require.Len(t, offers, 1)
	assert.Equal(t, second.ID, offers[0].ID)

	_, _, err = h.m.Respond(ctx, ds[0], second.ID, models.ResponseDenied)
	require.NoError(t, err)
	assert.Empty(t, h.m.OpenOffersFor(ds[0].UserID))
	assert.Len(t, h.m.OpenOffersFor(ds[1].UserID), 1)
}

func completedRide(t *testing.T, h *harness, d models.Identity) models.Ride {
	t.Helper()
	ctx := context.Background()
	r, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)
	_, _, err = h.m.Respond(ctx, d, r.ID, models.ResponseAccepted)
	require.NoError(t, err)
	_, _, err = h.m.Start(ctx, d, r.ID)
	require.NoError(t, err)
	r, _, err = h.m.Complete(ctx, passenger, r.ID)
	require.NoError(t, err)
	return r
}

func TestRate(t *testing.T) {
	ds := drivers(2)
	h := newHarness(t, ds, 0)
	ctx := context.Background()
	r := completedRide(t, h, ds[0])

	ack, err := h.m.Rate(ctx, passenger, r.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, ds[0].UserID, ack.RatedUserID)
	assert.Equal(t, 4.0, ack.Average)
	assert.Equal(t, 1, ack.Count)

	ack, err = h.m.Rate(ctx, passenger, r.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2.0, ack.Average, "second rating replaces the first")
	assert.Equal(t, 1, ack.Count)

	ack, err = h.m.Rate(ctx, ds[0], r.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, passenger.UserID, ack.RatedUserID)

	avg, n, err := h.m.ratings.AverageRating(ctx, passenger.UserID, models.RolePassenger)
	require.NoError(t, err)
	assert.Equal(t, 5.0, avg)
	assert.Equal(t, 1, n)
}

func TestRateErrors(t *testing.T) {
	ds := drivers(2)
	h := newHarness(t, ds, 0)
	ctx := context.Background()

	live, _, err := h.m.Create(ctx, passenger, params)
	require.NoError(t, err)
	_, err = h.m.Rate(ctx, passenger, live.ID, 5)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "still offered")
	_, _, err = h.m.Respond(ctx, ds[0], live.ID, models.ResponseAccepted)
	require.NoError(t, err)
	_, err = h.m.Rate(ctx, passenger, live.ID, 5)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "not completed")

	done := completedRide(t, h, ds[1])
	_, err = h.m.Rate(ctx, ds[0], done.ID, 5)
	assert.ErrorIs(t, err, apperrors.ErrAuth, "not a participant")
	_, err = h.m.Rate(ctx, passenger, done.ID, 6)
	assert.Equal(t, "rating", apperrors.FieldOf(err))
	_, err = h.m.Rate(ctx, passenger, "nope", 5)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	h.m.now = func() time.Time { return time.Now().Add(models.RatingEditWindow + time.Hour) }
	_, err = h.m.Rate(ctx, passenger, done.ID, 5)
	assert.ErrorIs(t, err, apperrors.ErrStateConflict, "edit window closed")
}

func TestCloseDisarmsFiredTimers(t *testing.T) {
	h := newHarness(t, drivers(1), time.Hour)
	r, _, err := h.m.Create(context.Background(), passenger, params)
	require.NoError(t, err)
	h.m.Close()

	h.m.expire(r.ID)
	got, err := h.m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOffered, got.State)
	assert.Empty(t, h.notifier.notices())
}
