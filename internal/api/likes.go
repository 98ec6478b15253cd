// Package api holds the small REST surface served alongside the
// WebSocket endpoint, currently the likes endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/meetline/messenger/internal/chat"
	"github.com/meetline/messenger/internal/store"
)

// Directory resolves usernames, shared with the hub.
type Directory interface {
	GetUserByUsername(ctx context.Context, username string) (*chat.User, error)
}

// LikesStore is the persistence contract for the likes endpoints.
type LikesStore interface {
	AddLike(ctx context.Context, sourceUserID, likedUserID int64) error
	GetUserLikes(ctx context.Context, userID int64) ([]chat.User, error)
}

// LikesHandler serves POST /likes/{username} and GET /likes. The caller
// identity comes from the same handshake convention as the WebSocket
// endpoint (authentication happens upstream).
type LikesHandler struct {
	users    Directory
	likes    LikesStore
	identity func(r *http.Request) (string, error)
}

// NewLikesHandler creates a LikesHandler.
func NewLikesHandler(users Directory, likes LikesStore, identity func(r *http.Request) (string, error)) *LikesHandler {
	return &LikesHandler{users: users, likes: likes, identity: identity}
}

func (h *LikesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callerName, err := h.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	caller, err := h.users.GetUserByUsername(ctx, callerName)
	if err != nil {
		log.Printf("[api] resolve caller %q: %v", callerName, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if caller == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.addLike(w, r, caller)
	case http.MethodGet:
		h.listLikes(w, r, caller)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// addLike handles POST /likes/{username}.
func (h *LikesHandler) addLike(w http.ResponseWriter, r *http.Request, caller *chat.User) {
	target := strings.TrimPrefix(r.URL.Path, "/likes/")
	if target == "" || strings.Contains(target, "/") {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	liked, err := h.users.GetUserByUsername(ctx, target)
	if err != nil {
		log.Printf("[api] resolve liked user %q: %v", target, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if liked == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	err = h.likes.AddLike(ctx, caller.ID, liked.ID)
	switch {
	case errors.Is(err, store.ErrSelfLike):
		http.Error(w, "you can't like yourself", http.StatusBadRequest)
	case errors.Is(err, store.ErrAlreadyLiked):
		http.Error(w, "you already liked this user", http.StatusBadRequest)
	case err != nil:
		log.Printf("[api] add like %s -> %s: %v", caller.Username, liked.Username, err)
		http.Error(w, "failed to like user", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// listLikes handles GET /likes.
func (h *LikesHandler) listLikes(w http.ResponseWriter, r *http.Request, caller *chat.User) {
	users, err := h.likes.GetUserLikes(r.Context(), caller.ID)
	if err != nil {
		log.Printf("[api] list likes for %s: %v", caller.Username, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	type likeDTO struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
	}
	out := make([]likeDTO, 0, len(users))
	for _, u := range users {
		out = append(out, likeDTO{Username: u.Username, DisplayName: u.DisplayName})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
