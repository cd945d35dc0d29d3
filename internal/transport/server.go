package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Handler runs the per-connection worker. It returns when the connection is finished.
type Handler interface {
	ServeConn(ctx context.Context, c *Conn)
}

type Server struct {
	Handler         Handler
	Logger          *slog.Logger
	MaxMessageBytes int
	WriteTimeout    time.Duration
	QueueSize       int

	wg sync.WaitGroup
}

// Serve accepts connections until ctx is cancelled, then closes every open connection and
// waits for their workers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	backoff := 5 * time.Millisecond
	const maxBackoff = time.Second
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.Logger.Warn("accept_failed", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 5 * time.Millisecond
		s.Attach(ctx, NewLineCodec(nc, s.MaxMessageBytes, s.WriteTimeout))
	}
}

// Attach starts a worker for an already framed connection, such as an upgraded websocket.
func (s *Server) Attach(ctx context.Context, codec Codec) *Conn {
	c := NewConn(codec, s.QueueSize, s.Logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer c.Close()
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.Done():
			}
		}()
		s.Handler.ServeConn(ctx, c)
	}()
	return c
}
