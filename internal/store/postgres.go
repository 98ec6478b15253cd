// Package store provides the PostgreSQL-backed implementations of the
// messaging collaborators: the user directory, the message store, and
// group/connection persistence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/meetline/messenger/internal/chat"
)

// Store wraps a PostgreSQL handle and implements the hub's UserDirectory
// and MessageStore contracts plus the group store's persister contract.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN and verifies the
// connection before returning a Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// New creates a Store on an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle (used by migrations).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// User directory
// ---------------------------------------------------------------------------

// GetUserByUsername resolves a username, case-insensitively. Returns
// (nil, nil) when no such user exists.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*chat.User, error) {
	const query = `
		SELECT id, username, display_name
		FROM users
		WHERE LOWER(username) = LOWER($1)`

	var u chat.User
	err := s.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %q: %w", username, err)
	}
	return &u, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AddMessage durably persists a message and fills in its generated ID.
// The write commits before returning; an error means nothing was stored.
func (s *Store) AddMessage(ctx context.Context, m *chat.Message) error {
	const query = `
		INSERT INTO messages
			(sender_id, sender_username, recipient_id, recipient_username, content, created_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		m.SenderID,
		m.SenderUsername,
		m.RecipientID,
		m.RecipientUsername,
		m.Content,
		m.CreatedAt,
		m.ReadAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// GetMessageThread returns every message exchanged between two users,
// oldest first.
func (s *Store) GetMessageThread(ctx context.Context, a, b string) ([]*chat.Message, error) {
	const query = `
		SELECT id, sender_id, sender_username, recipient_id, recipient_username,
		       content, created_at, read_at
		FROM messages
		WHERE (LOWER(sender_username) = LOWER($1) AND LOWER(recipient_username) = LOWER($2))
		   OR (LOWER(sender_username) = LOWER($2) AND LOWER(recipient_username) = LOWER($1))
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: query thread %s/%s: %w", a, b, err)
	}
	defer rows.Close()

	var msgs []*chat.Message
	for rows.Next() {
		var m chat.Message
		var readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername,
			&m.RecipientID, &m.RecipientUsername,
			&m.Content, &m.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("store: scan thread row: %w", err)
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate thread: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Groups and connections
// ---------------------------------------------------------------------------

// GetGroup returns the group record for key, or nil when none exists.
func (s *Store) GetGroup(ctx context.Context, key string) (*chat.Group, error) {
	const query = `SELECT name FROM groups WHERE name = $1`

	var g chat.Group
	err := s.db.QueryRowContext(ctx, query, key).Scan(&g.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get group %q: %w", key, err)
	}
	return &g, nil
}

// AddGroup inserts a group record. The insert is conditional: when two
// first-time joiners race, the loser's insert is a no-op and both end up
// observing the same record.
func (s *Store) AddGroup(ctx context.Context, g *chat.Group) error {
	const query = `INSERT INTO groups (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, g.Name); err != nil {
		return fmt.Errorf("store: insert group %q: %w", g.Name, err)
	}
	return nil
}

// AddConnection records a live connection as a member of a group. A
// reconnect reusing an existing ID moves the row to the new group.
func (s *Store) AddConnection(ctx context.Context, groupKey string, conn *chat.Connection) error {
	const query = `
		INSERT INTO connections (id, username, group_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET group_name = EXCLUDED.group_name`

	if _, err := s.db.ExecContext(ctx, query, conn.ID, conn.Username, groupKey); err != nil {
		return fmt.Errorf("store: insert connection %s: %w", conn.ID, err)
	}
	return nil
}

// GetConnection returns the connection record for connID, or nil.
func (s *Store) GetConnection(ctx context.Context, connID string) (*chat.Connection, error) {
	const query = `SELECT id, username FROM connections WHERE id = $1`

	var c chat.Connection
	err := s.db.QueryRowContext(ctx, query, connID).Scan(&c.ID, &c.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get connection %s: %w", connID, err)
	}
	return &c, nil
}

// RemoveConnection deletes a connection record. Deleting a connection
// that is already gone is not an error.
func (s *Store) RemoveConnection(ctx context.Context, connID string) error {
	const query = `DELETE FROM connections WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, connID); err != nil {
		return fmt.Errorf("store: delete connection %s: %w", connID, err)
	}
	return nil
}
