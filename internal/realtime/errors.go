package realtime

import "errors"

// Relay error taxonomy. Membership violations are answered with a private
// error envelope to the sender; malformed envelopes are logged and dropped
// with no reply. Nothing here is fatal to the process.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomAlreadyHosted = errors.New("room already hosted")
	ErrNotAMember        = errors.New("not a member of this stream")
	ErrNotHost           = errors.New("sender is not the stream host")
)

// errorCode maps a relay error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomAlreadyHosted):
		return "room_already_hosted"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrNotHost):
		return "not_host"
	default:
		return "internal_error"
	}
}
