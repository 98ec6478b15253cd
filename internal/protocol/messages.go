// Package protocol defines the WebSocket message types exchanged between
// the messenger client and server. All messages are JSON with a "type"
// discriminator in a common envelope.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/meetline/messenger/internal/chat"
)

// Client -> Server message types.
const (
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeMessageThread      = "message_thread"
	TypeNewMessage         = "new_message"
	TypeNewMessageReceived = "new_message_received"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes carried in ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeSelfMessage     = "self_message"
	CodeUnknownUser     = "unknown_user"
	CodeSendFailed      = "send_failed"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg is sent by the client to deliver a message to the user
// whose thread this connection has open.
type SendMessageMsg struct {
	Type              string `json:"type"`
	RecipientUsername string `json:"recipient_username"`
	Content           string `json:"content"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessageThreadMsg delivers the full message history of a conversation.
// Sent to every connection in the group when a participant (re)joins so
// all open views show the same refreshed thread.
type MessageThreadMsg struct {
	Type     string            `json:"type"`
	Messages []chat.MessageDTO `json:"messages"`
}

// NewMessageMsg delivers one newly persisted message to the group.
type NewMessageMsg struct {
	Type    string          `json:"type"`
	Message chat.MessageDTO `json:"message"`
}

// NewMessageReceivedMsg is the lightweight notification pushed to a
// recipient's other connections when they are online but not looking at
// the sender's thread.
type NewMessageReceivedMsg struct {
	Type        string `json:"type"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// RateLimitedMsg is sent when the client has exceeded the send rate.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and
// any error encountered. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server
// message. The payload struct is marshalled, the msgType injected under
// the "type" key, and the final bytes returned.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
