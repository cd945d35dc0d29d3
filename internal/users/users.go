package users

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	MinNameLen = 1
	MaxNameLen = 100

	MinUsernameLen = 1
	MaxUsernameLen = 50

	MinEmailLen = 5
	MaxEmailLen = 100

	MinPasswordLen = 5
	MaxPasswordLen = 50

	HashFactor = 10
)

// Account is a registration request.
type Account struct {
	Name     string
	Email    string
	Username string
	Password string
	Role     models.Role
	Area     string
}

// RoleUpdate changes a user's role. An empty Area keeps the current one, as does a nil
// MinRating.
type RoleUpdate struct {
	Role      models.Role
	Area      string
	MinRating *int
}

// Store is the credential collaborator: register and look up by credentials.
type Store interface {
	Create(ctx context.Context, a Account) (models.Identity, error)
	Authenticate(ctx context.Context, username, password string) (models.Identity, error)
	Get(ctx context.Context, userID int64) (models.Identity, error)
	SetRole(ctx context.Context, userID int64, u RoleUpdate) (models.Identity, error)
}

var errBadCredentials = apperrors.Auth("invalid username or password")

func validate(a Account) error {
	if err := checkLen("name", a.Name, MinNameLen, MaxNameLen); err != nil {
		return err
	}
	if err := checkLen("username", a.Username, MinUsernameLen, MaxUsernameLen); err != nil {
		return err
	}
	if err := checkLen("email", a.Email, MinEmailLen, MaxEmailLen); err != nil {
		return err
	}
	if strings.Count(a.Email, "@") != 1 {
		return apperrors.Protocol("email", "email must contain exactly one @")
	}
	if err := checkLen("password", a.Password, MinPasswordLen, MaxPasswordLen); err != nil {
		return err
	}
	if !a.Role.Valid() {
		return apperrors.Protocol("role", "role must be %q or %q", models.RolePassenger, models.RoleDriver)
	}
	return nil
}

func (u RoleUpdate) validate() error {
	if !u.Role.Valid() {
		return apperrors.Protocol("role", "invalid role %q", u.Role)
	}
	if u.MinRating != nil && (*u.MinRating < 0 || *u.MinRating > models.MaxScore) {
		return apperrors.Protocol("min_rating", "min_rating must be in range [0, %d]", models.MaxScore)
	}
	return nil
}

func checkLen(field, v string, min, max int) error {
	if n := len(strings.TrimSpace(v)); n < min || n > max {
		return apperrors.Protocol(field, "%s length must be in range [%d, %d]", field, min, max)
	}
	return nil
}

func hashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), HashFactor)
}

func checkPassword(hashed []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hashed, []byte(password)) == nil
}

func normalize(a Account) Account {
	a.Name = strings.TrimSpace(a.Name)
	a.Email = strings.ToLower(strings.TrimSpace(a.Email))
	a.Username = strings.TrimSpace(a.Username)
	a.Area = strings.TrimSpace(a.Area)
	return a
}
