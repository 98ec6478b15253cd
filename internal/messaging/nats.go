// Package messaging provides the NATS client used as the notification
// bus: when a recipient is online but not viewing the sender's thread,
// the hub publishes a notify event and each server delivers it to the
// recipient's local connections.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meetline/messenger/internal/chat"
)

// SubjectNotify is the subject carrying new-message notifications.
const SubjectNotify = "messenger.notify"

// NotifyEvent is the payload published on SubjectNotify. ConnIDs are the
// recipient connections the notification targets; each server delivers
// to whichever of them it hosts.
type NotifyEvent struct {
	ConnIDs        []string `json:"conn_ids"`
	SenderUsername string   `json:"sender_username"`
	SenderDisplay  string   `json:"sender_display"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection with the notify pub/sub helpers.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// NotifyNewMessage publishes a new-message notification targeting the
// given recipient connections. Implements the hub's Notifier contract.
func (c *NATSClient) NotifyNewMessage(_ context.Context, connIDs []string, sender *chat.User) error {
	event := NotifyEvent{
		ConnIDs:        connIDs,
		SenderUsername: sender.Username,
		SenderDisplay:  sender.DisplayName,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats: marshal notify event: %w", err)
	}
	return c.conn.Publish(SubjectNotify, data)
}

// SubscribeNotify registers a handler for new-message notifications. The
// server installs one subscription at startup and fans the event out to
// the targeted connections it hosts.
func (c *NATSClient) SubscribeNotify(handler func(event NotifyEvent)) error {
	sub, err := c.conn.Subscribe(SubjectNotify, func(msg *nats.Msg) {
		var event NotifyEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] notify unmarshal: %v", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectNotify, err)
	}

	c.mu.Lock()
	c.subs[SubjectNotify] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
