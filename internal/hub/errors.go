package hub

import "errors"

// Sentinel errors returned by SendMessage and OnConnect. The transport
// layer maps them to protocol error codes with errors.Is; anything else
// is treated as an internal failure (persistence, store lookup).
var (
	// ErrSelfMessage is returned when a user tries to message themselves.
	ErrSelfMessage = errors.New("hub: cannot send messages to yourself")

	// ErrUnknownUser is returned when a username cannot be resolved
	// through the user directory.
	ErrUnknownUser = errors.New("hub: user not found")

	// ErrInvalidContent is returned when the message body fails content
	// validation (empty, oversized, malformed UTF-8).
	ErrInvalidContent = errors.New("hub: invalid message content")
)
