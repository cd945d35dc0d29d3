package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideEvent records one ride state transition.
type RideEvent struct {
	RideID      string              `json:"ride_id"`
	From        models.RideState    `json:"from,omitempty"`
	To          models.RideState    `json:"to"`
	Reason      models.CancelReason `json:"reason,omitempty"`
	PassengerID int64               `json:"passenger_id"`
	DriverID    int64               `json:"driver_id,omitempty"`
	Area        string              `json:"area,omitempty"`
	At          time.Time           `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e RideEvent) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, RideEvent) error { return nil }
func (Nop) Close() error                             { return nil }

// Multi publishes every event to each publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e RideEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
