// Package presence tracks which users currently hold live WebSocket
// connections, across all conversations. A user may have several
// simultaneous connections (multiple tabs or devices); the registry maps
// each username to the set of its live connection IDs.
package presence

import (
	"hash/fnv"
	"sync"
)

// shardCount is the number of lock shards. Connect/disconnect bursts for
// the same user serialize on one shard while other users proceed in
// parallel; a single registry-wide lock is deliberately avoided.
const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]struct{} // username -> conn ID set
}

// Registry is the process-wide presence map. Safe for concurrent use.
type Registry struct {
	shards [shardCount]shard
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shardFor(username string) *shard {
	h := fnv.New32a()
	h.Write([]byte(username))
	return &r.shards[h.Sum32()%shardCount]
}

// Connect adds connID to username's connection set and returns the set
// size after insertion; 1 means the user just came online. Adding a
// connection ID that is already present is a no-op (connection IDs are
// unique per transport session, so a duplicate can only come from a
// retried event).
func (r *Registry) Connect(username, connID string) int {
	s := r.shardFor(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[username]
	if !ok {
		set = make(map[string]struct{})
		s.users[username] = set
	}
	set[connID] = struct{}{}
	return len(set)
}

// Disconnect removes connID from username's connection set. When the set
// becomes empty the username entry is removed entirely; the returned
// bool is true when the user is now offline. Disconnecting an unknown
// connection or user is a no-op.
func (r *Registry) Disconnect(username, connID string) bool {
	s := r.shardFor(username)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[username]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.users, username)
		return true
	}
	return false
}

// Connections returns a snapshot of username's live connection IDs. The
// slice is empty (never nil) when the user has no connections.
func (r *Registry) Connections(username string) []string {
	s := r.shardFor(username)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users[username]))
	for id := range s.users[username] {
		ids = append(ids, id)
	}
	return ids
}

// Online reports whether username has at least one live connection.
func (r *Registry) Online(username string) bool {
	s := r.shardFor(username)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[username]) > 0
}

// OnlineUsers returns the number of distinct users currently online.
func (r *Registry) OnlineUsers() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
