package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

var (
	ErrClosed    = errors.New("transport: connection closed")
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Codec frames messages on an underlying connection. ReadFrame is only called from the
// connection's worker and WriteFrame only from its writer goroutine.
type Codec interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
	RemoteAddr() net.Addr
}

// Conn is one client connection with a bounded outbound queue drained by its own writer, so
// a slow reader on the far side never blocks the goroutine that produced the notification.
type Conn struct {
	id     string
	codec  Codec
	out    chan []byte
	logger *slog.Logger

	closing      chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

func NewConn(codec Codec, queueSize int, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = 64
	}
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		codec:   codec,
		out:     make(chan []byte, queueSize),
		logger:  logger.With("conn_id", id),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Logger() *slog.Logger { return c.logger }

// RemoteIP is the peer address as seen by the transport, never client supplied.
func (c *Conn) RemoteIP() string {
	addr := c.codec.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Read blocks for the next inbound frame.
func (c *Conn) Read() ([]byte, error) { return c.codec.ReadFrame() }

// Send enqueues m without blocking. A full queue closes the connection.
func (c *Conn) Send(m protocol.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		observability.OutboundDropped.Inc()
		c.logger.Warn("outbound_queue_full", "type", m.Type)
		c.Close()
		return ErrQueueFull
	}
}

// Shutdown flushes what is already queued and then closes.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.closing) })
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.codec.Close()
	})
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			if err := c.codec.WriteFrame(b); err != nil {
				c.logger.Debug("write_failed", "error", err)
				c.Close()
				return
			}
		case <-c.closing:
			c.drain()
			c.Close()
			return
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case b := <-c.out:
			if err := c.codec.WriteFrame(b); err != nil {
				return
			}
		default:
			return
		}
	}
}
