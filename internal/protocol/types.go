package protocol

// Client to server.
const (
	TypeRegister          = "REGISTER"
	TypeLogin             = "LOGIN"
	TypeLogout            = "LOGOUT"
	TypeAnnouncePeer      = "ANNOUNCE_PEER"
	TypeSetRole           = "SET_ROLE"
	TypeAddSchedule       = "ADD_SCHEDULE"
	TypeListSchedule      = "LIST_SCHEDULE"
	TypeDeleteSchedule    = "DELETE_SCHEDULE"
	TypeBroadcastRide     = "BROADCAST_RIDE_REQUEST"
	TypeDriverResponse    = "DRIVER_RESPONSE"
	TypeStartRide         = "START_RIDE"
	TypeCompleteRide      = "COMPLETE_RIDE"
	TypeCancelRide        = "CANCEL_RIDE"
	TypeFetchRides        = "FETCH_RIDES"
	TypeFetchRideRequests = "FETCH_RIDE_REQUESTS"
	TypeSendMessage       = "SEND_MESSAGE"
	TypeFetchMessages     = "FETCH_MESSAGES"
	TypeListContacts      = "LIST_CONTACTS"
	TypeUpdateRating      = "UPDATE_RATING"
)

// Server to client replies.
const (
	TypeRegisterOK       = "REGISTER_OK"
	TypeRegisterFail     = "REGISTER_FAIL"
	TypeLoginOK          = "LOGIN_OK"
	TypeLoginFail        = "LOGIN_FAIL"
	TypeLogoutOK         = "LOGOUT_OK"
	TypeAnnounceOK       = "ANNOUNCE_OK"
	TypeAnnounceFail     = "ANNOUNCE_FAIL"
	TypeSetRoleOK        = "SET_ROLE_OK"
	TypeSetRoleFail      = "SET_ROLE_FAIL"
	TypeAddScheduleOK    = "ADD_SCHEDULE_OK"
	TypeAddScheduleFail  = "ADD_SCHEDULE_FAIL"
	TypeScheduleList     = "SCHEDULE_LIST"
	TypeDeleteScheduleOK = "DELETE_SCHEDULE_OK"
	TypeDeleteSchedFail  = "DELETE_SCHEDULE_FAIL"
	TypeBroadcastOK      = "BROADCAST_OK"
	TypeBroadcastFail    = "BROADCAST_FAIL"
	TypeNoDriversFound   = "NO_DRIVERS_FOUND"
	TypeDriverRespOK     = "DRIVER_RESPONSE_OK"
	TypeDriverRespFail   = "DRIVER_RESPONSE_FAIL"
	TypeStartRideOK      = "START_RIDE_OK"
	TypeStartRideFail    = "START_RIDE_FAIL"
	TypeCompleteRideOK   = "COMPLETE_RIDE_OK"
	TypeCompleteRideFail = "COMPLETE_RIDE_FAIL"
	TypeCancelRideOK     = "CANCEL_RIDE_OK"
	TypeCancelRideFail   = "CANCEL_RIDE_FAIL"
	TypeRidesList        = "RIDES_LIST"
	TypeRideRequestList  = "RIDE_REQUEST_LIST"
	TypeSendMessageOK    = "SEND_MESSAGE_OK"
	TypeSendMessageFail  = "SEND_MESSAGE_FAIL"
	TypeMessages         = "MESSAGES"
	TypeContacts         = "CONTACTS"
	TypeUpdateRatingOK   = "UPDATE_RATING_OK"
	TypeUpdateRatingFail = "UPDATE_RATING_FAIL"
	TypeError            = "ERROR"
)

// Server to client notifications.
const (
	TypeRideRequest     = "RIDE_REQUEST"
	TypeRideUnavailable = "RIDE_UNAVAILABLE"
	TypeRideStarted     = "RIDE_STARTED"
	TypeRideCompleted   = "RIDE_COMPLETED"
	TypeRideCancelled   = "RIDE_CANCELLED"
	TypeChatMessage     = "CHAT_MESSAGE"
	TypeSessionReplaced = "SESSION_REPLACED"
)

// Peer to peer.
const TypeChatPeer = "CHAT_PEER"

var failureTypes = map[string]string{
	TypeRegister:       TypeRegisterFail,
	TypeLogin:          TypeLoginFail,
	TypeAnnouncePeer:   TypeAnnounceFail,
	TypeSetRole:        TypeSetRoleFail,
	TypeAddSchedule:    TypeAddScheduleFail,
	TypeDeleteSchedule: TypeDeleteSchedFail,
	TypeBroadcastRide:  TypeBroadcastFail,
	TypeDriverResponse: TypeDriverRespFail,
	TypeStartRide:      TypeStartRideFail,
	TypeCompleteRide:   TypeCompleteRideFail,
	TypeCancelRide:     TypeCancelRideFail,
	TypeSendMessage:    TypeSendMessageFail,
	TypeUpdateRating:   TypeUpdateRatingFail,
}

// FailureType is the reply type used when a request of the given type fails.
func FailureType(requestType string) string {
	if t, ok := failureTypes[requestType]; ok {
		return t
	}
	return TypeError
}
