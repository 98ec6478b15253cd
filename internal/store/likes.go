package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/meetline/messenger/internal/chat"
)

// Like errors surfaced to the HTTP layer.
var (
	// ErrAlreadyLiked is returned when the source user already likes the
	// target.
	ErrAlreadyLiked = errors.New("store: user already liked")

	// ErrSelfLike is returned when a user tries to like themselves.
	ErrSelfLike = errors.New("store: cannot like yourself")
)

// AddLike records that sourceUserID likes likedUserID. Uniqueness is
// enforced by the primary key; a duplicate insert reports
// ErrAlreadyLiked rather than silently succeeding.
func (s *Store) AddLike(ctx context.Context, sourceUserID, likedUserID int64) error {
	if sourceUserID == likedUserID {
		return ErrSelfLike
	}

	const query = `
		INSERT INTO likes (source_user_id, liked_user_id)
		VALUES ($1, $2)
		ON CONFLICT (source_user_id, liked_user_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, sourceUserID, likedUserID)
	if err != nil {
		return fmt.Errorf("store: insert like: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: like rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlreadyLiked
	}
	return nil
}

// GetUserLikes returns the users that userID has liked, ordered by
// username.
func (s *Store) GetUserLikes(ctx context.Context, userID int64) ([]chat.User, error) {
	const query = `
		SELECT u.id, u.username, u.display_name
		FROM likes l
		JOIN users u ON u.id = l.liked_user_id
		WHERE l.source_user_id = $1
		ORDER BY u.username`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query likes: %w", err)
	}
	defer rows.Close()

	var users []chat.User
	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("store: scan like row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate likes: %w", err)
	}
	return users, nil
}
