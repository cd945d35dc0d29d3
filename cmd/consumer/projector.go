package main

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/events"
)

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) SAdd(ctx context.Context, key, member string) error {
	return r.c.SAdd(ctx, key, member).Err()
}

func (r *redisAdapter) SRem(ctx context.Context, key, member string) error {
	return r.c.SRem(ctx, key, member).Err()
}

func statusKey(rideID string) string { return "ride:status:" + rideID }

func activeKey(area string) string {
	if area == "" {
		return "rides:active"
	}
	return "rides:active:" + area
}

// project writes one transition into the read model: the ride's status hash, and its
// membership in the per-area set of rides that are still in progress.
func project(ctx context.Context, rc RedisUpdater, e events.RideEvent) error {
	fields := map[string]interface{}{
		"state":        string(e.To),
		"passenger_id": strconv.FormatInt(e.PassengerID, 10),
		"area":         e.Area,
		"updated_at":   e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.DriverID != 0 {
		fields["driver_id"] = strconv.FormatInt(e.DriverID, 10)
	}
	if e.Reason != "" {
		fields["reason"] = string(e.Reason)
	}
	if err := rc.HSet(ctx, statusKey(e.RideID), fields); err != nil {
		return err
	}
	if e.To.Terminal() {
		return rc.SRem(ctx, activeKey(e.Area), e.RideID)
	}
	return rc.SAdd(ctx, activeKey(e.Area), e.RideID)
}

// projectWithRetry retries project with exponential backoff. Every step is idempotent so a
// partially applied attempt is safe to repeat.
func projectWithRetry(ctx context.Context, rc RedisUpdater, e events.RideEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = project(ctx, rc, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
