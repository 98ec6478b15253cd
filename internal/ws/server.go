// Package ws handles WebSocket connection management: upgrading HTTP
// connections, extracting the handshake identities, maintaining active
// sessions, and dispatching incoming frames to the message handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/meetline/messenger/internal/metrics"
	"github.com/meetline/messenger/internal/protocol"
)

// IdentityFunc extracts the authenticated username from the upgrade
// request. Authentication itself happens upstream (reverse proxy or
// token middleware); the default implementation trusts the "username"
// query parameter.
type IdentityFunc func(r *http.Request) (string, error)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Identity       IdentityFunc  // handshake identity extraction

	// Gate, when set, runs before the upgrade; a returned error rejects
	// the request with 429 (used for per-address connect rate limiting).
	Gate func(r *http.Request) error
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Identity: func(r *http.Request) (string, error) {
			u := r.URL.Query().Get("username")
			if u == "" {
				return "", fmt.Errorf("ws: missing username")
			}
			return u, nil
		},
	}
}

// ConnectFunc is called after a connection is registered; a returned
// error rejects the session and closes it. DisconnectFunc is called
// exactly once when a connection is removed, for clean closes, read
// errors, and heartbeat evictions alike.
type (
	ConnectFunc    func(ctx context.Context, connID, username, peer string) error
	DisconnectFunc func(connID, username string, cause error)
)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for
// I/O readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	extraRoutes  map[string]http.Handler // additional HTTP endpoints (metrics, likes)
	httpServer   *http.Server
	bufPool      sync.Pool
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:      config,
		conns:       NewConnectionManager(),
		workerPool:  make(chan struct{}, config.WorkerPoolSize),
		onMessage:   onMessage,
		extraRoutes: make(map[string]http.Handler),
		done:        make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// SetOnConnect registers the callback run when a new session completes
// its handshake. A returned error rejects and closes the session.
func (s *Server) SetOnConnect(fn ConnectFunc) {
	s.onConnect = fn
}

// SetOnDisconnect registers the callback invoked when a connection is
// removed (read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn DisconnectFunc) {
	s.onDisconnect = fn
}

// Handle mounts an additional HTTP handler on the server mux. Must be
// called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.extraRoutes[pattern] = h
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop
// in a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.extraRoutes {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The
// handshake must name the conversation partner in the "user" query
// parameter; the caller's own identity comes from the Identity function.
// After registration the onConnect callback joins the session into its
// conversation group; if that fails the session is rejected and closed.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.config.Gate != nil {
		if err := s.config.Gate(r); err != nil {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	username, err := s.config.Identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	peer := r.URL.Query().Get("user")
	if peer == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	sessionID := uuid.New().String()

	c := &Connection{
		ID:        sessionID,
		Username:  username,
		Peer:      peer,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.onConnect(ctx, sessionID, username, peer)
		cancel()
		if err != nil {
			log.Printf("ws: connect rejected session=%s user=%s: %v", sessionID, username, err)
			s.sendHubError(c, err)
			s.RemoveConnection(c, err)
			return
		}
	}

	log.Printf("ws: new connection session=%s user=%s peer=%s fd=%d (total=%d)",
		sessionID, username, peer, fd, s.conns.Count())
}

// sendHubError maps a connect/send error to a protocol error message and
// writes it to the connection before it is closed.
func (s *Server) sendHubError(c *Connection, cause error) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    protocol.CodeUnknownUser,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	_ = c.WriteMessage(data)
}

// handleHealth responds with the server's health status as JSON,
// including the current connection count and uptime, for load balancer
// health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection
// using wsutil.NextReader so control frames (ping, pong) are handled
// without blocking on a data frame that may never arrive. A failed read
// removes the connection from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c, err)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c, nil)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c, err)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the
// connection manager and closes the underlying network connection. The
// cause is nil for a clean close. It is exported so the heartbeat
// monitor can evict dead connections; the disconnect callback runs for
// every removal, regardless of cause.
func (s *Server) RemoveConnection(c *Connection, cause error) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually in the manager. This
	// prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g. read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID, c.Username, cause)
	}

	log.Printf("ws: connection closed session=%s user=%s (total=%d)",
		c.ID, c.Username, s.conns.Count())
}

// Send writes a WebSocket text frame to the connection identified by
// connID. Goroutine-safe thanks to the per-connection write mutex.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the write deadline so it doesn't affect future writes.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g. by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener,
// signals the event loop to exit, closes all active connections, and
// cleans up the epoll instance. Each connection's disconnect cleanup
// runs before the process exits.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		s.RemoveConnection(c, nil)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
