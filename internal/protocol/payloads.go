package protocol

import (
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type Empty struct{}

func (Empty) Validate() error { return nil }

type ScheduleInput struct {
	Day       string `json:"day"`
	Time      string `json:"time"`
	Area      string `json:"area,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Entry converts the input into a schedule entry. Area falls back to the driver's home area.
func (s ScheduleInput) Entry(field, homeArea string) (models.ScheduleEntry, error) {
	if err := firstErr(required(field+"day", s.Day), required(field+"time", s.Time)); err != nil {
		return models.ScheduleEntry{}, err
	}
	day, err := models.ParseDay(s.Day)
	if err != nil {
		return models.ScheduleEntry{}, apperrors.Protocol(field+"day", "%v", err)
	}
	window, err := models.ParseWindow(s.Time)
	if err != nil {
		return models.ScheduleEntry{}, apperrors.Protocol(field+"time", "%v", err)
	}
	area := s.Area
	if strings.TrimSpace(area) == "" {
		area = homeArea
	}
	if err := required(field+"area", area); err != nil {
		return models.ScheduleEntry{}, err
	}
	return models.ScheduleEntry{Day: day, Window: window, Area: strings.TrimSpace(area), Direction: strings.TrimSpace(s.Direction)}, nil
}

type Register struct {
	Name     string          `json:"name"`
	Email    string          `json:"email"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	Role     models.Role     `json:"role"`
	Area     string          `json:"area,omitempty"`
	Schedule []ScheduleInput `json:"schedule,omitempty"`
}

func (p *Register) Validate() error {
	if err := firstErr(
		required("name", p.Name),
		required("email", p.Email),
		required("username", p.Username),
		required("password", p.Password),
		required("role", string(p.Role)),
	); err != nil {
		return err
	}
	if !p.Role.Valid() {
		return apperrors.Protocol("role", "role must be %q or %q", models.RolePassenger, models.RoleDriver)
	}
	for i, s := range p.Schedule {
		if _, err := s.Entry(fmt.Sprintf("schedule.%d.", i), p.Area); err != nil {
			return err
		}
	}
	return nil
}

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (p *Login) Validate() error {
	return firstErr(required("username", p.Username), required("password", p.Password))
}

type AnnouncePeer struct {
	Port int `json:"port"`
}

func (p *AnnouncePeer) Validate() error {
	if p.Port == 0 {
		return apperrors.Protocol("port", "missing required field %q", "port")
	}
	if p.Port < 1 || p.Port > 65535 {
		return apperrors.Protocol("port", "port %d out of range", p.Port)
	}
	return nil
}

type SetRole struct {
	Role      models.Role `json:"role"`
	Area      string      `json:"area,omitempty"`
	MinRating *int        `json:"min_rating,omitempty"`
}

func (p *SetRole) Validate() error {
	if err := required("role", string(p.Role)); err != nil {
		return err
	}
	if !p.Role.Valid() {
		return apperrors.Protocol("role", "role must be %q or %q", models.RolePassenger, models.RoleDriver)
	}
	if p.MinRating != nil && (*p.MinRating < 0 || *p.MinRating > models.MaxScore) {
		return apperrors.Protocol("min_rating", "min_rating must be between 0 and %d", models.MaxScore)
	}
	return nil
}

type AddSchedule struct {
	ScheduleInput
}

func (p *AddSchedule) Validate() error {
	return firstErr(required("day", p.Day), required("time", p.Time))
}

type DeleteSchedule struct {
	ScheduleID int64 `json:"schedule_id"`
}

func (p *DeleteSchedule) Validate() error {
	if p.ScheduleID <= 0 {
		return apperrors.Protocol("schedule_id", "missing required field %q", "schedule_id")
	}
	return nil
}

type BroadcastRide struct {
	PassengerID int64  `json:"passenger_id"`
	Direction   string `json:"direction"`
	Day         string `json:"day"`
	Time        string `json:"time"`
	Area        string `json:"area"`

	// MinRating falls back to the passenger's stored floor when absent.
	MinRating *float64 `json:"min_rating,omitempty"`
}

func (p *BroadcastRide) Validate() error {
	if p.PassengerID == 0 {
		return apperrors.Protocol("passenger_id", "missing required field %q", "passenger_id")
	}
	if err := firstErr(required("direction", p.Direction), required("day", p.Day), required("time", p.Time), required("area", p.Area)); err != nil {
		return err
	}
	if p.MinRating != nil && (*p.MinRating < 0 || *p.MinRating > models.MaxScore) {
		return apperrors.Protocol("min_rating", "min_rating must be between 0 and %d", models.MaxScore)
	}
	return nil
}

// Params parses the request into matcher input.
func (p *BroadcastRide) Params() (models.RideParams, error) {
	day, err := models.ParseDay(p.Day)
	if err != nil {
		return models.RideParams{}, apperrors.Protocol("day", "%v", err)
	}
	at, err := models.ParseClock(p.Time)
	if err != nil {
		return models.RideParams{}, apperrors.Protocol("time", "%v", err)
	}
	params := models.RideParams{Direction: strings.TrimSpace(p.Direction), Day: day, Time: at, Area: strings.TrimSpace(p.Area)}
	if p.MinRating != nil {
		params.MinRating = *p.MinRating
	}
	return params, nil
}

type DriverResponse struct {
	RideID string                `json:"ride_id"`
	Status models.ResponseStatus `json:"status"`
}

func (p *DriverResponse) Validate() error {
	if err := firstErr(required("ride_id", p.RideID), required("status", string(p.Status))); err != nil {
		return err
	}
	p.Status = models.ResponseStatus(strings.ToUpper(string(p.Status)))
	if p.Status != models.ResponseAccepted && p.Status != models.ResponseDenied {
		return apperrors.Protocol("status", "status must be %s or %s", models.ResponseAccepted, models.ResponseDenied)
	}
	return nil
}

// UpdateRating scores the other participant of a completed ride. RaterID is optional and
// must match the session when given.
type UpdateRating struct {
	RideID  string `json:"ride_id"`
	Rating  int    `json:"rating"`
	RaterID int64  `json:"rater_user_id,omitempty"`
}

func (p *UpdateRating) Validate() error {
	if err := required("ride_id", p.RideID); err != nil {
		return err
	}
	if p.Rating < models.MinScore || p.Rating > models.MaxScore {
		return apperrors.Protocol("rating", "rating must be between %d and %d", models.MinScore, models.MaxScore)
	}
	return nil
}

type RideAction struct {
	RideID string `json:"ride_id"`
}

func (p *RideAction) Validate() error { return required("ride_id", p.RideID) }

type SendMessage struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (p *SendMessage) Validate() error {
	return firstErr(required("to", p.To), required("message", p.Message))
}

type FetchMessages struct {
	With string `json:"with"`
}

func (p *FetchMessages) Validate() error { return required("with", p.With) }

type ChatPeer struct {
	From string `json:"from"`
	Body string `json:"body"`
}

func (p *ChatPeer) Validate() error { return firstErr(required("from", p.From), required("body", p.Body)) }
