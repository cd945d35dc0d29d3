package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/transport"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type rideMap map[string]models.Ride

func (m rideMap) Get(_ context.Context, id string) (models.Ride, error) {
	r, ok := m[id]
	if !ok {
		return models.Ride{}, apperrors.NotFound("ride %s not found", id)
	}
	return r, nil
}

type echoHandler struct{}

func (echoHandler) ServeConn(_ context.Context, c *transport.Conn) {
	for {
		frame, err := c.Read()
		if err != nil {
			return
		}
		_ = c.Send(protocol.New("ECHO", string(frame)))
	}
}

func newTestServer(t *testing.T, cfg Server) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(NewServer(ctx, cfg, discardLogger()))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, Server{Ready: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestRideLookup(t *testing.T) {
	ride := models.Ride{ID: "r1", PassengerID: 1, State: models.StateOffered}
	ts := newTestServer(t, Server{Rides: rideMap{"r1": ride}, Live: func() int { return 1 }})

	resp, err := http.Get(ts.URL + "/api/v1/rides/r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "r1", got["ride_id"])

	resp2, err := http.Get(ts.URL + "/api/v1/rides/missing")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp3.Body.Close()
	var stats map[string]int
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&stats))
	assert.Equal(t, 1, stats["live_rides"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Server{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "ride_dispatch_http_requests_total")
}

func TestWebsocketAttach(t *testing.T) {
	ws := &transport.Server{Handler: echoHandler{}, Logger: discardLogger(), QueueSize: 4}
	ts := newTestServer(t, Server{WS: ws, WriteTimeout: time.Second})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ECHO","payload":"ping"}`, string(msg))
}

func TestRequestIDPropagates(t *testing.T) {
	ts := newTestServer(t, Server{})
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}
