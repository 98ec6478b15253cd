// Package chat holds the messaging domain model: users, messages,
// conversation groups and their live connections, plus the group
// membership store used by the hub to route messages.
package chat

import "time"

// User is a registered account as resolved by the user directory.
type User struct {
	ID          int64
	Username    string
	DisplayName string
}

// Message is a single chat message. Immutable once persisted; ReadAt is
// set at creation time when the recipient already had the thread open,
// otherwise it stays nil until a later mark-as-read flow fills it.
type Message struct {
	ID                int64
	SenderID          int64
	SenderUsername    string
	RecipientID       int64
	RecipientUsername string
	Content           string
	CreatedAt         time.Time
	ReadAt            *time.Time
}

// Group is the persisted record for a conversation group. Membership is
// tracked live by the GroupStore; the persisted rows exist so any node
// (and moderation tooling) can inspect who is inside a thread.
type Group struct {
	Name string
}

// Connection is one live transport session inside a conversation group.
type Connection struct {
	ID       string // connection/session ID (UUID)
	Username string // owning user
}

// MessageDTO is the public representation of a Message pushed to clients.
type MessageDTO struct {
	ID                int64      `json:"id"`
	SenderUsername    string     `json:"sender_username"`
	RecipientUsername string     `json:"recipient_username"`
	Content           string     `json:"content"`
	CreatedAt         time.Time  `json:"created_at"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
}

// DTO maps a Message to its public representation.
func (m *Message) DTO() MessageDTO {
	return MessageDTO{
		ID:                m.ID,
		SenderUsername:    m.SenderUsername,
		RecipientUsername: m.RecipientUsername,
		Content:           m.Content,
		CreatedAt:         m.CreatedAt,
		ReadAt:            m.ReadAt,
	}
}
