package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// Async decouples the ride state machine from broker latency. Events are queued and
// published in order by a single goroutine; a full queue drops the event.
type Async struct {
	pub     Publisher
	queue   chan RideEvent
	timeout time.Duration
	logger  *slog.Logger

	// mu guards closed and the send on queue so Publish never races Close.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(pub Publisher, size int, timeout time.Duration, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	a := &Async{
		pub:     pub,
		queue:   make(chan RideEvent, size),
		timeout: timeout,
		logger:  logger.With("component", "events"),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish never blocks. Events published after Close are dropped.
func (a *Async) Publish(_ context.Context, e RideEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.EventPublishErrors.Inc()
		a.logger.Warn("event_after_close", "ride_id", e.RideID, "to", e.To)
		return nil
	}
	select {
	case a.queue <- e:
	default:
		observability.EventPublishErrors.Inc()
		a.logger.Warn("event_dropped", "ride_id", e.RideID, "to", e.To)
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.pub.Publish(ctx, e); err != nil {
			observability.EventPublishErrors.Inc()
			a.logger.Error("event_publish_failed", "ride_id", e.RideID, "to", e.To, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and closes the underlying publisher. It is safe to call
// more than once; only the first call closes the publisher.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	return a.pub.Close()
}
