package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/transport"
)

var ErrClosed = errors.New("client: connection closed")

const eventBuffer = 256

type waiter struct {
	accept map[string]bool
	ch     chan protocol.Envelope
}

// Client is a persistent connection to the dispatch server. Replies are matched to the
// oldest pending request that expects their type; every other frame goes to Events.
type Client struct {
	codec  transport.Codec
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters []*waiter
	err     error

	events chan protocol.Envelope
	done   chan struct{}
}

func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(transport.NewLineCodec(conn, transport.DefaultMaxMessageBytes, 10*time.Second), logger), nil
}

func New(codec transport.Codec, logger *slog.Logger) *Client {
	c := &Client{
		codec:  codec,
		logger: logger.With("component", "client"),
		events: make(chan protocol.Envelope, eventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers server notifications. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

// Request sends typ and waits for a reply of one of the expect types. The request's
// failure type and ERROR are always accepted and returned as *apperrors.Error.
func (c *Client) Request(ctx context.Context, typ string, payload any, expect ...string) (protocol.Envelope, error) {
	w := &waiter{accept: map[string]bool{protocol.FailureType(typ): true, protocol.TypeError: true}, ch: make(chan protocol.Envelope, 1)}
	for _, t := range expect {
		w.accept[t] = true
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrClosed
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	if err := c.send(protocol.New(typ, payload)); err != nil {
		c.drop(w)
		return protocol.Envelope{}, err
	}
	select {
	case env, ok := <-w.ch:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		if env.Type == protocol.FailureType(typ) || env.Type == protocol.TypeError {
			return env, remoteError(env)
		}
		return env, nil
	case <-ctx.Done():
		c.drop(w)
		return protocol.Envelope{}, ctx.Err()
	}
}

// SendMessage relays chat through the server.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	_, err := c.Request(ctx, protocol.TypeSendMessage, protocol.SendMessage{To: to, Message: body}, protocol.TypeSendMessageOK)
	return err
}

func (c *Client) Close() error {
	err := c.codec.Close()
	<-c.done
	return err
}

func (c *Client) send(m protocol.Message) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// WriteFrame appends its own delimiter
	return c.codec.WriteFrame(b[:len(b)-1])
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn("bad_frame", "error", err)
			continue
		}
		if w := c.claim(env.Type); w != nil {
			w.ch <- env
			continue
		}
		select {
		case c.events <- env:
		default:
			c.logger.Warn("event_dropped", "type", env.Type)
		}
	}
}

func (c *Client) claim(typ string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.accept[typ] {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return w
		}
	}
	return nil
}

func (c *Client) drop(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for _, w := range c.waiters {
		close(w.ch)
	}
	c.waiters = nil
}

func remoteError(env protocol.Envelope) error {
	var f protocol.Failure
	if err := json.Unmarshal(env.Payload, &f); err != nil {
		return fmt.Errorf("undecodable %s: %w", env.Type, err)
	}
	return &apperrors.Error{Kind: f.Code, Field: f.Field, Msg: f.Reason}
}
