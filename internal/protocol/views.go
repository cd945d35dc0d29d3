package protocol

import (
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

type Failure struct {
	Code        apperrors.Kind `json:"code"`
	Reason      string         `json:"reason"`
	Field       string         `json:"field,omitempty"`
	RequestType string         `json:"request_type,omitempty"`
}

// FailureFor builds the reply sent when a request of requestType fails with err.
func FailureFor(requestType string, err error) Message {
	f := Failure{Code: apperrors.KindOf(err), Field: apperrors.FieldOf(err), RequestType: requestType}
	var e *apperrors.Error
	if errors.As(err, &e) && e.Kind != apperrors.KindInternal {
		f.Reason = e.Msg
	} else {
		f.Reason = "internal error"
	}
	return New(FailureType(requestType), f)
}

type User struct {
	UserID   int64       `json:"user_id"`
	Username string      `json:"username"`
	Name     string      `json:"name"`
	Email    string      `json:"email"`
	Role     models.Role `json:"role"`
	IsDriver bool        `json:"is_driver"`
	Area     string      `json:"area,omitempty"`

	MinRating int `json:"min_rating,omitempty"`
}

func UserView(id models.Identity) User {
	return User{
		UserID:   id.UserID,
		Username: id.Username,
		Name:     id.Name,
		Email:    id.Email,
		Role:     id.Role,
		IsDriver: id.IsDriver(),
		Area:     id.Area,

		MinRating: id.MinRating,
	}
}

type Schedule struct {
	ID        int64  `json:"id"`
	Day       string `json:"day"`
	Time      string `json:"time"`
	Area      string `json:"area"`
	Direction string `json:"direction,omitempty"`
}

func ScheduleView(e models.ScheduleEntry) Schedule {
	return Schedule{ID: e.ID, Day: e.Day.String(), Time: e.Window.String(), Area: e.Area, Direction: e.Direction}
}

type Ride struct {
	RideID            string              `json:"ride_id"`
	PassengerID       int64               `json:"passenger_id"`
	PassengerUsername string              `json:"passenger_username"`
	PassengerName     string              `json:"passenger_name"`
	Direction         string              `json:"direction"`
	Day               string              `json:"day"`
	Time              string              `json:"time"`
	Area              string              `json:"area"`
	State             models.RideState    `json:"status"`
	Reason            models.CancelReason `json:"reason,omitempty"`
	DriverID          int64               `json:"driver_id,omitempty"`
	DriverUsername    string              `json:"driver_username,omitempty"`
	RequestedAt       time.Time           `json:"requested_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
}

func RideView(r models.Ride) Ride {
	return Ride{
		RideID:            r.ID,
		PassengerID:       r.PassengerID,
		PassengerUsername: r.PassengerUsername,
		PassengerName:     r.PassengerName,
		Direction:         r.Direction,
		Day:               r.Day.String(),
		Time:              r.Time.String(),
		Area:              r.Area,
		State:             r.State,
		Reason:            r.Reason,
		DriverID:          r.AcceptedDriverID,
		DriverUsername:    r.DriverUsername,
		RequestedAt:       r.CreatedAt,
		StartedAt:         r.StartedAt,
		EndedAt:           r.EndedAt,
	}
}

// RideRequest is pushed to each candidate driver.
type RideRequest struct {
	RideID            string `json:"ride_id"`
	PassengerID       int64  `json:"passenger_id"`
	PassengerName     string `json:"passenger_name"`
	PassengerUsername string `json:"passenger_username"`
	Direction         string `json:"direction"`
	Day               string `json:"day"`
	Time              string `json:"time"`
	Area              string `json:"area"`
}

func RideRequestView(r models.Ride) RideRequest {
	return RideRequest{
		RideID:            r.ID,
		PassengerID:       r.PassengerID,
		PassengerName:     r.PassengerName,
		PassengerUsername: r.PassengerUsername,
		Direction:         r.Direction,
		Day:               r.Day.String(),
		Time:              r.Time.String(),
		Area:              r.Area,
	}
}

// DriverResponseNotice is pushed to the passenger. Peer fields are set only on acceptance
// by a driver that announced an endpoint.
type DriverResponseNotice struct {
	RideID         string                `json:"ride_id"`
	Status         models.ResponseStatus `json:"status"`
	DriverID       int64                 `json:"driver_id"`
	DriverUsername string                `json:"driver_username,omitempty"`
	DriverName     string                `json:"driver_name,omitempty"`
	DriverIP       string                `json:"driver_ip,omitempty"`
	DriverPort     int                   `json:"driver_port,omitempty"`
}

type DriverResponseAck struct {
	RideID   string                `json:"ride_id"`
	Status   models.ResponseStatus `json:"status"`
	Assigned bool                  `json:"assigned"`
}

type BroadcastAck struct {
	RideID     string `json:"ride_id"`
	Candidates int    `json:"candidates"`
}

type NoDrivers struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason"`
}

// RideEvent is the payload of RIDE_STARTED, RIDE_COMPLETED, RIDE_CANCELLED and RIDE_UNAVAILABLE.
type RideEvent struct {
	RideID string              `json:"ride_id"`
	Reason models.CancelReason `json:"reason,omitempty"`
	By     string              `json:"by,omitempty"`
}

type ChatMessage struct {
	From    string `json:"from"`
	FromID  int64  `json:"from_id"`
	ToID    int64  `json:"to_id"`
	Message string `json:"message"`
	SentAt  string `json:"sent_at"`
}

func ChatMessageView(m models.ChatMessage) ChatMessage {
	return ChatMessage{From: m.From, FromID: m.FromID, ToID: m.ToID, Message: m.Body, SentAt: m.SentAt.UTC().Format(time.RFC3339Nano)}
}

type SendMessageAck struct {
	SentAt string `json:"sent_at"`
}

type SessionReplaced struct {
	Reason string `json:"reason"`
}

type LoginAck struct {
	User User `json:"user"`
}

type RegisterAck struct {
	User     User       `json:"user"`
	Schedule []Schedule `json:"schedule,omitempty"`
}

type AnnounceAck struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type ScheduleList struct {
	Entries []Schedule `json:"entries"`
}

type ScheduleDeleted struct {
	ScheduleID int64 `json:"schedule_id"`
}

// RideAck acknowledges START_RIDE, COMPLETE_RIDE and CANCEL_RIDE.
type RideAck struct {
	RideID string           `json:"ride_id"`
	Status models.RideState `json:"status"`
}

type RidesList struct {
	Rides []Ride `json:"rides"`
}

type RideRequestList struct {
	Requests []RideRequest `json:"requests"`
}

type Messages struct {
	With     string        `json:"with"`
	Messages []ChatMessage `json:"messages"`
}

type Contacts struct {
	Contacts []string `json:"contacts"`
}

type RatingAck struct {
	RideID      string  `json:"ride_id"`
	RatedUserID int64   `json:"rated_user_id"`
	Rating      int     `json:"rating"`
	Average     float64 `json:"average"`
	Count       int     `json:"count"`
}
