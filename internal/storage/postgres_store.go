package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                 TEXT PRIMARY KEY,
	passenger_id       BIGINT NOT NULL,
	passenger_username TEXT NOT NULL,
	passenger_name     TEXT NOT NULL,
	driver_id          BIGINT,
	driver_username    TEXT,
	direction          TEXT NOT NULL DEFAULT '',
	day                SMALLINT NOT NULL,
	time_minutes       INTEGER NOT NULL,
	area               TEXT NOT NULL,
	state              TEXT NOT NULL,
	reason             TEXT NOT NULL DEFAULT '',
	candidates         BIGINT[] NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	ended_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rides_passenger_idx ON rides (passenger_id, created_at DESC);
CREATE INDEX IF NOT EXISTS rides_driver_idx ON rides (driver_id, created_at DESC);
ALTER TABLE rides ADD COLUMN IF NOT EXISTS denied BIGINT[] NOT NULL DEFAULT '{}';
CREATE TABLE IF NOT EXISTS ratings (
	ride_id   TEXT NOT NULL,
	rater_id  BIGINT NOT NULL,
	rated_id  BIGINT NOT NULL,
	role      TEXT NOT NULL,
	score     SMALLINT NOT NULL CHECK (score BETWEEN 1 AND 5),
	rated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ride_id, rater_id)
);
CREATE INDEX IF NOT EXISTS ratings_rated_idx ON ratings (rated_id, role);
`

// Migrate creates the archive schema if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO rides (id, passenger_id, passenger_username, passenger_name, driver_id, driver_username,
	direction, day, time_minutes, area, state, reason, candidates, denied, created_at, updated_at, started_at, ended_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
	driver_id = EXCLUDED.driver_id, driver_username = EXCLUDED.driver_username,
	state = EXCLUDED.state, reason = EXCLUDED.reason, denied = EXCLUDED.denied, updated_at = EXCLUDED.updated_at,
	started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`,
		r.ID, r.PassengerID, r.PassengerUsername, r.PassengerName, nullInt(r.AcceptedDriverID), nullString(r.DriverUsername),
		r.Direction, int(r.Day), int(r.Time), r.Area, string(r.State), string(r.Reason), pq.Array(r.Candidates),
		pq.Array(r.Denied()), r.CreatedAt, r.UpdatedAt, r.StartedAt, r.EndedAt)
	return err
}

func (p *PostgresStore) UpsertRating(ctx context.Context, r models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO ratings (ride_id, rater_id, rated_id, role, score, rated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (ride_id, rater_id) DO UPDATE SET
	rated_id = EXCLUDED.rated_id, role = EXCLUDED.role, score = EXCLUDED.score, rated_at = EXCLUDED.rated_at`,
		r.RideID, r.RaterID, r.RatedID, string(r.Role), r.Score, r.At)
	return err
}

func (p *PostgresStore) AverageRating(ctx context.Context, userID int64, role models.Role) (float64, int, error) {
	var (
		avg float64
		n   int
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(score), 0)::float8, COUNT(*) FROM ratings WHERE rated_id = $1 AND role = $2`,
		userID, string(role)).Scan(&avg, &n)
	return avg, n, err
}

const selectRide = `
SELECT id, passenger_id, passenger_username, passenger_name, driver_id, driver_username, direction,
	day, time_minutes, area, state, reason, candidates, denied, created_at, updated_at, started_at, ended_at
FROM rides`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, selectRide+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, apperrors.NotFound("ride %s not found", id)
	}
	return r, err
}

func (p *PostgresStore) RidesForUser(ctx context.Context, userID int64, limit int) ([]models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, selectRide+` WHERE passenger_id = $1 OR driver_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r          models.Ride
		driverID   sql.NullInt64
		driverName sql.NullString
		day, at    int
		state      string
		reason     string
		started    sql.NullTime
		ended      sql.NullTime
		denied     []int64
	)
	err := s.Scan(&r.ID, &r.PassengerID, &r.PassengerUsername, &r.PassengerName, &driverID, &driverName, &r.Direction,
		&day, &at, &r.Area, &state, &reason, pq.Array(&r.Candidates), pq.Array(&denied), &r.CreatedAt, &r.UpdatedAt, &started, &ended)
	if err != nil {
		return models.Ride{}, err
	}
	r.AcceptedDriverID = driverID.Int64
	r.DriverUsername = driverName.String
	r.Day = time.Weekday(day)
	r.Time = models.Clock(at)
	r.State = models.RideState(state)
	r.Reason = models.CancelReason(reason)
	r.Responses = make(map[int64]models.ResponseStatus, len(denied)+1)
	for _, id := range denied {
		r.Responses[id] = models.ResponseDenied
	}
	if r.AcceptedDriverID != 0 {
		r.Responses[r.AcceptedDriverID] = models.ResponseAccepted
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if ended.Valid {
		r.EndedAt = &ended.Time
	}
	return r, nil
}

func nullInt(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: v != 0} }

func nullString(v string) sql.NullString { return sql.NullString{String: v, Valid: v != ""} }
