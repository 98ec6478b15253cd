// Package client provides a reusable WebSocket load test client for the
// messenger server. It connects using gobwas/ws (the same library the server
// uses), identifies itself through the username/user query parameters, and
// tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

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

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	ThreadLatency    time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the messenger
// server, viewing one conversation thread. It manages the WebSocket
// lifecycle and dispatches incoming messages to registered handlers.
type Client struct {
	conn      net.Conn
	username  string
	peer      string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	connected time.Time
	threadAt  time.Time
}

// New creates a new load test client connected to the given base WebSocket
// URL as username, opening the conversation thread with peer. Both accounts
// must already exist on the server. The connection is established immediately
// and a background goroutine begins reading messages; the server replays the
// message thread as the first frame.
func New(ctx context.Context, baseURL, username, peer string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("username", username)
	q.Set("user", peer)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		username:  username,
		peer:      peer,
		handlers:  make(map[string]func(json.RawMessage)),
		done:      make(chan struct{}),
		connected: time.Now(),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Username returns the identity this client connected as.
func (c *Client) Username() string {
	return c.username
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendMessage sends one chat message to the peer whose thread this
// connection has open.
func (c *Client) SendMessage(content string) error {
	return c.Send(map[string]string{
		"type":               TypeSendMessage,
		"recipient_username": c.peer,
		"content":            content,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForThread blocks until the server has replayed the conversation thread
// or the context is cancelled. Useful for coordinating load test phases that
// depend on the join being complete.
func (c *Client) WaitForThread(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before the thread was replayed")
		case <-ticker.C:
			c.mu.Lock()
			got := !c.threadAt.IsZero()
			c.mu.Unlock()
			if got {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		// The first message_thread marks the join as complete.
		if envelope.Type == TypeMessageThread && c.threadAt.IsZero() {
			c.threadAt = time.Now()
			c.metrics.ThreadLatency = c.threadAt.Sub(c.connected) + c.metrics.ConnectLatency
		}
		c.mu.Unlock()

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
