package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/transport"
)

// Pinger is a dependency that readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RideLookup interface {
	Get(ctx context.Context, rideID string) (models.Ride, error)
}

// Attacher hands an upgraded websocket to the dispatch worker pool.
type Attacher interface {
	Attach(ctx context.Context, codec transport.Codec) *transport.Conn
}

type Server struct {
	Rides    RideLookup
	Sessions interface{ Len() int }
	Live     func() int
	Ready    map[string]Pinger
	WS       Attacher

	MaxMessageBytes int
	WriteTimeout    time.Duration

	// base is the context handed to websocket workers; it outlives individual requests.
	base     context.Context
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(base context.Context, s Server, logger *slog.Logger) *Server {
	s.base = base
	s.logger = logger.With("component", "http")
	s.mux = mux.NewRouter()
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	srv := &s
	srv.routes()
	srv.registerMiddleware()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRide).Methods("GET")
	if s.WS != nil {
		s.mux.HandleFunc("/ws", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	names := make([]string, 0, len(s.Ready))
	for name := range s.Ready {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.Ready[name].Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": checks})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	if s.Sessions != nil {
		out["sessions"] = s.Sessions.Len()
	}
	if s.Live != nil {
		out["live_rides"] = s.Live()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.Rides.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			status = http.StatusNotFound
		} else {
			s.logger.Error("ride_lookup_failed", "ride_id", id, "error", err)
		}
		writeJSON(w, status, protocol.FailureFor("", err).Payload)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RideView(ride))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn("ws_upgrade_failed", "error", err, "remote_addr", remoteIP(r))
		return
	}
	s.WS.Attach(s.base, transport.NewWSCodec(conn, s.MaxMessageBytes, s.WriteTimeout))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
