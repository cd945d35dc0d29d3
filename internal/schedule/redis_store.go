package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// HashClient is the subset of redis commands the store uses.
type HashClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	HSet(ctx context.Context, key, field, value string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) (int64, error)
	Ping(ctx context.Context) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return r.c.Incr(ctx, key).Result()
}

func (r *redisAdapter) HSet(ctx context.Context, key, field, value string) error {
	return r.c.HSet(ctx, key, field, value).Err()
}

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) HDel(ctx context.Context, key, field string) (int64, error) {
	return r.c.HDel(ctx, key, field).Result()
}

func (r *redisAdapter) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

// RedisStore keeps each driver's entries in one hash: {prefix}:{driver_id} -> entry id -> JSON.
type RedisStore struct {
	client HashClient
	prefix string
}

func NewRedisStore(addr, password, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreWithClient(&redisAdapter{c: c}, prefix)
}

func NewRedisStoreWithClient(c HashClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "schedule"
	}
	return &RedisStore{client: c, prefix: prefix}
}

type entryRecord struct {
	Day       string `json:"day"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Area      string `json:"area"`
	Direction string `json:"direction,omitempty"`
	Updated   string `json:"updated"`
}

func (r *RedisStore) Add(ctx context.Context, e models.ScheduleEntry) (models.ScheduleEntry, error) {
	id, err := r.client.Incr(ctx, r.prefix+":seq")
	if err != nil {
		return models.ScheduleEntry{}, fmt.Errorf("allocate schedule id: %w", err)
	}
	e.ID = id
	b, err := json.Marshal(entryRecord{
		Day:       e.Day.String(),
		Start:     e.Window.Start.String(),
		End:       e.Window.End.String(),
		Area:      e.Area,
		Direction: e.Direction,
		Updated:   time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	if err := r.client.HSet(ctx, r.driverKey(e.DriverID), strconv.FormatInt(id, 10), string(b)); err != nil {
		return models.ScheduleEntry{}, fmt.Errorf("store schedule entry: %w", err)
	}
	return e, nil
}

func (r *RedisStore) List(ctx context.Context, driverID int64) ([]models.ScheduleEntry, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(driverID))
	if err != nil {
		return nil, fmt.Errorf("list schedule: %w", err)
	}
	out := make([]models.ScheduleEntry, 0, len(m))
	for field, raw := range m {
		e, err := decodeEntry(driverID, field, raw)
		if err != nil {
			// skip records we cannot parse rather than hiding the whole schedule
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, driverID, entryID int64) error {
	n, err := r.client.HDel(ctx, r.driverKey(driverID), strconv.FormatInt(entryID, 10))
	if err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	if n == 0 {
		return apperrors.NotFound("schedule entry %d not found", entryID)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx) }

func (r *RedisStore) driverKey(driverID int64) string {
	return r.prefix + ":" + strconv.FormatInt(driverID, 10)
}

func decodeEntry(driverID int64, field, raw string) (models.ScheduleEntry, error) {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	var rec entryRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.ScheduleEntry{}, err
	}
	day, err := models.ParseDay(rec.Day)
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	spec := rec.Start
	if rec.End != "" && rec.End != rec.Start {
		spec += "-" + rec.End
	}
	window, err := models.ParseWindow(spec)
	if err != nil {
		return models.ScheduleEntry{}, err
	}
	return models.ScheduleEntry{ID: id, DriverID: driverID, Day: day, Window: window, Area: rec.Area, Direction: rec.Direction}, nil
}
