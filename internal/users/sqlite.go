package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// SQLiteStore persists accounts in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open users db: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate users db: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash BLOB NOT NULL,
		role TEXT NOT NULL,
		area TEXT NOT NULL DEFAULT '',
		min_rating INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`)
	if err != nil {
		return err
	}
	return s.ensureColumn("users", "min_rating", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column missing from a database created by an older build.
func (s *SQLiteStore) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, a Account) (models.Identity, error) {
	a = normalize(a)
	if err := validate(a); err != nil {
		return models.Identity{}, err
	}
	hash, err := hashPassword(a.Password)
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "hash password")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, username, password_hash, role, area) VALUES (?, ?, ?, ?, ?, ?)`,
		a.Name, a.Email, a.Username, hash, string(a.Role), a.Area)
	if err != nil {
		return models.Identity{}, uniqueViolation(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "read user id")
	}
	return models.Identity{UserID: id, Username: a.Username, Name: a.Name, Email: a.Email, Role: a.Role, Area: a.Area}, nil
}

func (s *SQLiteStore) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	var (
		id   models.Identity
		hash []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, username, password_hash, role, area, min_rating FROM users WHERE username = ?`,
		strings.TrimSpace(username)).Scan(&id.UserID, &id.Name, &id.Email, &id.Username, &hash, &id.Role, &id.Area, &id.MinRating)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, errBadCredentials
	}
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "query user")
	}
	if !checkPassword(hash, password) {
		return models.Identity{}, errBadCredentials
	}
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID int64) (models.Identity, error) {
	var id models.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, username, role, area, min_rating FROM users WHERE id = ?`, userID).
		Scan(&id.UserID, &id.Name, &id.Email, &id.Username, &id.Role, &id.Area, &id.MinRating)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Identity{}, apperrors.NotFound("user %d not found", userID)
	}
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "query user")
	}
	return id, nil
}

func (s *SQLiteStore) SetRole(ctx context.Context, userID int64, up RoleUpdate) (models.Identity, error) {
	if err := up.validate(); err != nil {
		return models.Identity{}, err
	}
	area := strings.TrimSpace(up.Area)
	var minRating sql.NullInt64
	if up.MinRating != nil {
		minRating = sql.NullInt64{Int64: int64(*up.MinRating), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET role = ?, area = CASE WHEN ? = '' THEN area ELSE ? END, min_rating = COALESCE(?, min_rating) WHERE id = ?`,
		string(up.Role), area, area, minRating, userID)
	if err != nil {
		return models.Identity{}, apperrors.Internal(err, "update role")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Identity{}, apperrors.NotFound("user %d not found", userID)
	}
	return s.Get(ctx, userID)
}

func uniqueViolation(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		if strings.Contains(se.Error(), "users.email") {
			return apperrors.Protocol("email", "email already registered")
		}
		return apperrors.Protocol("username", "username already taken")
	}
	return apperrors.Internal(err, "insert user")
}
