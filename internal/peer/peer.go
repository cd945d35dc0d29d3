// Package peer carries chat directly between clients, falling back to the server relay when
// the other side cannot be reached.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/transport"
)

const DefaultDialTimeout = 3 * time.Second

// Handler receives chat arriving on the peer listener.
type Handler func(msg protocol.ChatPeer, from net.Addr)

type Listener struct {
	ln      net.Listener
	handle  Handler
	logger  *slog.Logger
	maxSize int

	wg sync.WaitGroup
}

func Listen(addr string, handle Handler, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, handle: handle, logger: logger.With("component", "peer"), maxSize: transport.DefaultMaxMessageBytes}, nil
}

// Port is what the client announces with ANNOUNCE_PEER.
func (l *Listener) Port() int { return l.ln.Addr().(*net.TCPAddr).Port }

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts peer connections until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, nc)
		}()
	}
}

func (l *Listener) serveConn(ctx context.Context, nc net.Conn) {
	codec := transport.NewLineCodec(nc, l.maxSize, 0)
	defer codec.Close()
	stop := context.AfterFunc(ctx, func() { _ = codec.Close() })
	defer stop()
	for {
		frame, err := codec.ReadFrame()
		if err != nil {
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil || env.Type != protocol.TypeChatPeer {
			l.logger.Debug("peer_frame_ignored", "remote", nc.RemoteAddr().String(), "error", err)
			continue
		}
		var msg protocol.ChatPeer
		if err := protocol.DecodePayload(env.Payload, &msg); err != nil {
			l.logger.Debug("peer_payload_invalid", "error", err)
			continue
		}
		l.handle(msg, nc.RemoteAddr())
	}
}

// Relay delivers chat through the dispatch server.
type Relay interface {
	SendMessage(ctx context.Context, to, body string) error
}

type Route string

const (
	RouteDirect Route = "direct"
	RouteRelay  Route = "relay"
)

// Messenger sends chat to peers it knows an endpoint for and relays everything else.
type Messenger struct {
	Self        string
	Relay       Relay
	DialTimeout time.Duration
	Logger      *slog.Logger
	// OnFallback, when set, is called each time a direct send fails over to the relay.
	OnFallback func(to string, err error)

	mu    sync.RWMutex
	peers map[string]models.PeerEndpoint
}

// Learn records the endpoint for username, typically from a DRIVER_RESPONSE notice.
func (m *Messenger) Learn(username string, ep models.PeerEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers == nil {
		m.peers = make(map[string]models.PeerEndpoint)
	}
	m.peers[strings.ToLower(username)] = ep
}

func (m *Messenger) Forget(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, strings.ToLower(username))
}

func (m *Messenger) endpoint(username string) (models.PeerEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.peers[strings.ToLower(username)]
	return ep, ok
}

// Send tries the direct path first. Any failure there, including an unknown endpoint, goes
// through the relay instead.
func (m *Messenger) Send(ctx context.Context, to, body string) (Route, error) {
	ep, ok := m.endpoint(to)
	if !ok {
		return RouteRelay, m.relay(ctx, to, body, nil)
	}
	err := m.direct(ctx, ep, body)
	if err == nil {
		return RouteDirect, nil
	}
	if ctx.Err() != nil {
		return RouteDirect, ctx.Err()
	}
	m.logger().Info("peer_fallback", "to", to, "endpoint", addr(ep), "error", err)
	if m.OnFallback != nil {
		m.OnFallback(to, err)
	}
	return RouteRelay, m.relay(ctx, to, body, err)
}

func (m *Messenger) relay(ctx context.Context, to, body string, cause error) error {
	if m.Relay == nil {
		if cause != nil {
			return cause
		}
		return fmt.Errorf("no route to %s", to)
	}
	if err := m.Relay.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("relay to %s: %w", to, err)
	}
	return nil
}

func (m *Messenger) direct(ctx context.Context, ep models.PeerEndpoint, body string) error {
	timeout := m.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nc, err := dial(ctx, addr(ep), timeout)
	if err != nil {
		return err
	}
	codec := transport.NewLineCodec(nc, 0, timeout)
	defer codec.Close()
	frame, err := protocol.Encode(protocol.New(protocol.TypeChatPeer, protocol.ChatPeer{From: m.Self, Body: body}))
	if err != nil {
		return err
	}
	return codec.WriteFrame(frame[:len(frame)-1])
}

func (m *Messenger) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// dial connects on its own goroutine so a stuck connect never holds the caller past timeout.
// A connection that completes after the caller gave up is closed.
func dial(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", address)
		ch <- result{nc, err}
	}()
	select {
	case r := <-ch:
		return r.nc, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.nc != nil {
				_ = r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", address, ctx.Err())
	}
}

func addr(ep models.PeerEndpoint) string { return net.JoinHostPort(ep.IP, strconv.Itoa(ep.Port)) }
