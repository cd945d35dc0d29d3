package models

import "time"

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

func (r Role) Valid() bool { return r == RolePassenger || r == RoleDriver }

// Identity is the authenticated user behind a session.
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	Area     string `json:"area,omitempty"`
	// MinRating is the passenger's default floor on driver ratings.
	MinRating int `json:"min_rating,omitempty"`
}

func (i Identity) IsDriver() bool { return i.Role == RoleDriver }

type PeerEndpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type ScheduleEntry struct {
	ID        int64        `json:"id"`
	DriverID  int64        `json:"driver_id"`
	Day       time.Weekday `json:"-"`
	Window    TimeWindow   `json:"-"`
	Area      string       `json:"area"`
	Direction string       `json:"direction,omitempty"`
}

// Covers reports whether the entry serves a request made for day at t. A range serves
// requests inside it on its own day. A departure time s serves requests with
// t <= s < t+DepartureWindow; near midnight that reaches into the next day's entries.
func (e ScheduleEntry) Covers(day time.Weekday, t Clock) bool {
	if !e.Window.Departure() {
		return e.Day == day && e.Window.Contains(t)
	}
	s := int(e.Window.Start)
	end := int(t) + int(DepartureWindow/time.Minute)
	if e.Day == day && s >= int(t) && s < end {
		return true
	}
	return end > minutesPerDay && e.Day == (day+1)%7 && s < end-minutesPerDay
}

// RideParams are the passenger supplied attributes of a ride request.
type RideParams struct {
	Direction string
	Day       time.Weekday
	Time      Clock
	Area      string
	// MinRating excludes drivers whose average rating is lower. Unrated drivers average 0.
	MinRating float64
}

type RideState string

const (
	StateRequested RideState = "REQUESTED"
	StateOffered   RideState = "OFFERED"
	StateAccepted  RideState = "ACCEPTED"
	StateStarted   RideState = "STARTED"
	StateCompleted RideState = "COMPLETED"
	StateCancelled RideState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RideState) Terminal() bool { return s == StateCompleted || s == StateCancelled }

type CancelReason string

const (
	ReasonNone       CancelReason = ""
	ReasonNoDrivers  CancelReason = "no_drivers"
	ReasonUser       CancelReason = "user"
	ReasonDisconnect CancelReason = "disconnect"
	ReasonTimeout    CancelReason = "timeout"
	// ReasonMatchFailed means the driver lookup itself failed.
	ReasonMatchFailed CancelReason = "match_failed"
)

type ResponseStatus string

const (
	ResponseAccepted ResponseStatus = "ACCEPTED"
	ResponseDenied   ResponseStatus = "DENIED"
)

// Ride is a snapshot of one ride request and its lifecycle.
type Ride struct {
	ID                string                   `json:"ride_id"`
	PassengerID       int64                    `json:"passenger_id"`
	PassengerUsername string                   `json:"passenger_username"`
	PassengerName     string                   `json:"passenger_name"`
	Direction         string                   `json:"direction"`
	Day               time.Weekday             `json:"-"`
	Time              Clock                    `json:"-"`
	Area              string                   `json:"area"`
	State             RideState                `json:"state"`
	Reason            CancelReason             `json:"reason,omitempty"`
	Candidates        []int64                  `json:"candidates,omitempty"`
	Responses         map[int64]ResponseStatus `json:"-"`
	AcceptedDriverID  int64                    `json:"driver_id,omitempty"`
	DriverUsername    string                   `json:"driver_username,omitempty"`
	CreatedAt         time.Time                `json:"requested_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	StartedAt         *time.Time               `json:"started_at,omitempty"`
	EndedAt           *time.Time               `json:"ended_at,omitempty"`
}

// Involves reports whether the user is the passenger or the assigned driver.
func (r Ride) Involves(userID int64) bool {
	return r.PassengerID == userID || (r.AcceptedDriverID != 0 && r.AcceptedDriverID == userID)
}

// Denied lists the candidates that denied the ride, in candidate order.
func (r Ride) Denied() []int64 {
	var out []int64
	for _, id := range r.Candidates {
		if r.Responses[id] == ResponseDenied {
			out = append(out, id)
		}
	}
	return out
}

func (r Ride) IsCandidate(driverID int64) bool {
	for _, id := range r.Candidates {
		if id == driverID {
			return true
		}
	}
	return false
}

// ChatMessage is one relayed message.
type ChatMessage struct {
	From   string    `json:"from"`
	FromID int64     `json:"from_id"`
	To     string    `json:"to"`
	ToID   int64     `json:"to_id"`
	Body   string    `json:"message"`
	SentAt time.Time `json:"sent_at"`
}

const (
	MinScore = 1
	MaxScore = 5
)

// RatingEditWindow is how long after completion a participant may rate or re-rate a ride.
const RatingEditWindow = 36 * time.Hour

// Rating is one participant's score for the other party of a completed ride. There is at
// most one per (RideID, RaterID).
type Rating struct {
	RideID  string    `json:"ride_id"`
	RaterID int64     `json:"rater_user_id"`
	RatedID int64     `json:"rated_user_id"`
	Role    Role      `json:"role"`
	Score   int       `json:"rating"`
	At      time.Time `json:"rated_at"`
}
