// Package hub implements the realtime messaging core: it joins
// connections into conversation groups, replays message history, routes
// outbound messages with synchronous read receipts, and pushes
// out-of-band notifications to recipients who are online but looking at
// a different thread.
package hub

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/meetline/messenger/internal/chat"
	"github.com/meetline/messenger/internal/metrics"
	"github.com/meetline/messenger/internal/presence"
	"github.com/meetline/messenger/internal/protocol"
)

// UserDirectory resolves usernames to registered users. Returns
// (nil, nil) when the username is unknown.
type UserDirectory interface {
	GetUserByUsername(ctx context.Context, username string) (*chat.User, error)
}

// MessageStore persists messages and serves conversation history.
type MessageStore interface {
	// GetMessageThread returns all messages between two users, oldest
	// first.
	GetMessageThread(ctx context.Context, a, b string) ([]*chat.Message, error)
	// AddMessage durably persists a message. An error means the message
	// was not committed and must not be broadcast.
	AddMessage(ctx context.Context, m *chat.Message) error
}

// Sender pushes an already-encoded server message to one connection.
// Implemented by the WebSocket server.
type Sender interface {
	Send(connID string, data []byte) error
}

// Notifier delivers the lightweight "new message" notification to a set
// of connections that are online but not inside the sender's thread.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, connIDs []string, sender *chat.User) error
}

// Hub coordinates connection lifecycle events and message routing. All
// collaborators are injected; the hub owns no transport or storage of
// its own.
type Hub struct {
	users    UserDirectory
	messages MessageStore
	groups   *chat.GroupStore
	presence *presence.Registry
	send     Sender
	notifier Notifier
}

// New creates a Hub with the given collaborators.
func New(users UserDirectory, messages MessageStore, groups *chat.GroupStore,
	reg *presence.Registry, send Sender, notifier Notifier) *Hub {
	return &Hub{
		users:    users,
		messages: messages,
		groups:   groups,
		presence: reg,
		send:     send,
		notifier: notifier,
	}
}

// OnConnect joins a new connection into the conversation between
// username and otherUser. It validates both identities, registers the
// connection in the presence registry and the group store, and replays
// the full message thread to every connection in the group so all open
// views of the thread refresh together.
//
// A returned error means the session should be closed by the transport;
// any partial registration is undone by the normal disconnect path.
func (h *Hub) OnConnect(ctx context.Context, connID, username, otherUser string) error {
	caller, err := h.users.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("hub: resolve %q: %w", username, err)
	}
	peer, err := h.users.GetUserByUsername(ctx, otherUser)
	if err != nil {
		return fmt.Errorf("hub: resolve %q: %w", otherUser, err)
	}
	if caller == nil || peer == nil {
		return fmt.Errorf("hub: connect %s: %w", connID, ErrUnknownUser)
	}

	key := chat.GroupKey(caller.Username, peer.Username)

	if n := h.presence.Connect(caller.Username, connID); n == 1 {
		log.Printf("[hub] user online username=%s", caller.Username)
	}
	metrics.OnlineUsers.Set(float64(h.presence.OnlineUsers()))

	if _, err := h.groups.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("hub: join group %q: %w", key, err)
	}
	conn := &chat.Connection{ID: connID, Username: caller.Username}
	if err := h.groups.AddConnection(ctx, key, conn); err != nil {
		return fmt.Errorf("hub: join group %q: %w", key, err)
	}

	thread, err := h.messages.GetMessageThread(ctx, caller.Username, peer.Username)
	if err != nil {
		return fmt.Errorf("hub: load thread %q: %w", key, err)
	}

	dtos := make([]chat.MessageDTO, 0, len(thread))
	for _, m := range thread {
		dtos = append(dtos, m.DTO())
	}
	h.broadcast(key, protocol.TypeMessageThread, protocol.MessageThreadMsg{Messages: dtos})

	log.Printf("[hub] connected session=%s user=%s group=%s thread_len=%d",
		connID, caller.Username, key, len(thread))
	return nil
}

// OnDisconnect removes a connection from its conversation group and the
// presence registry. It runs identically for clean closes, read errors,
// and heartbeat evictions, and never fails from the caller's
// perspective: cleanup problems are logged and swallowed.
func (h *Hub) OnDisconnect(connID, username string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := h.groups.RemoveConnection(ctx, connID); err != nil {
		log.Printf("[hub] disconnect cleanup session=%s: %v", connID, err)
	}
	if username != "" {
		if offline := h.presence.Disconnect(username, connID); offline {
			log.Printf("[hub] user offline username=%s", username)
		}
		metrics.OnlineUsers.Set(float64(h.presence.OnlineUsers()))
	}

	if cause != nil {
		log.Printf("[hub] disconnected session=%s user=%s cause=%v", connID, username, cause)
	} else {
		log.Printf("[hub] disconnected session=%s user=%s", connID, username)
	}
}

// SendMessage routes one outbound message. The read receipt is decided
// by live group membership at send time: if any of the recipient's
// connections are inside the group the message is stamped read
// immediately; otherwise, if the recipient is online anywhere else, a
// notification is pushed to exactly those connections. The message is
// broadcast to the group only after it is durably persisted.
//
// The membership check is deliberately not re-validated after
// persistence; the stamped read timestamp is best effort (the recipient
// may disconnect between check and commit).
func (h *Hub) SendMessage(ctx context.Context, senderUsername, recipientUsername, content string) (*chat.Message, error) {
	start := time.Now()

	if strings.EqualFold(senderUsername, recipientUsername) {
		return nil, ErrSelfMessage
	}
	if err := chat.ValidateContent(content); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}

	sender, err := h.users.GetUserByUsername(ctx, senderUsername)
	if err != nil {
		return nil, fmt.Errorf("hub: resolve sender %q: %w", senderUsername, err)
	}
	if sender == nil {
		return nil, fmt.Errorf("hub: sender %q: %w", senderUsername, ErrUnknownUser)
	}
	recipient, err := h.users.GetUserByUsername(ctx, recipientUsername)
	if err != nil {
		return nil, fmt.Errorf("hub: resolve recipient %q: %w", recipientUsername, err)
	}
	if recipient == nil {
		return nil, fmt.Errorf("hub: recipient %q: %w", recipientUsername, ErrUnknownUser)
	}

	key := chat.GroupKey(sender.Username, recipient.Username)
	if _, err := h.groups.GetOrCreate(ctx, key); err != nil {
		return nil, fmt.Errorf("hub: group %q: %w", key, err)
	}

	msg := &chat.Message{
		SenderID:          sender.ID,
		SenderUsername:    sender.Username,
		RecipientID:       recipient.ID,
		RecipientUsername: recipient.Username,
		Content:           content,
		CreatedAt:         time.Now().UTC(),
	}

	// Membership is evaluated before persistence; this ordering is part
	// of the contract.
	if h.groups.IsMember(key, recipient.Username) {
		now := msg.CreatedAt
		msg.ReadAt = &now
		metrics.MessagesRouted.WithLabelValues("read").Inc()
	} else if conns := h.presence.Connections(recipient.Username); len(conns) > 0 {
		// Recipient is online but not looking at this thread.
		if err := h.notifier.NotifyNewMessage(ctx, conns, sender); err != nil {
			log.Printf("[hub] notify failed recipient=%s: %v", recipient.Username, err)
		}
		metrics.MessagesRouted.WithLabelValues("notified").Inc()
	} else {
		metrics.MessagesRouted.WithLabelValues("offline").Inc()
	}

	if err := h.messages.AddMessage(ctx, msg); err != nil {
		metrics.MessagesRouted.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("hub: persist message %s -> %s: %w",
			sender.Username, recipient.Username, err)
	}

	h.broadcast(key, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg.DTO()})

	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// broadcast encodes one server message and pushes it to every connection
// currently in the group. Individual send failures are ignored; dead
// connections are cleaned up by the transport's read path.
func (h *Hub) broadcast(groupKey, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[hub] build %s for group=%s: %v", msgType, groupKey, err)
		return
	}
	for _, connID := range h.groups.Connections(groupKey) {
		_ = h.send.Send(connID, data)
	}
}
