package chat

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// groupShards is the number of lock shards in the GroupStore. Mutations
// for distinct group keys land on different shards and proceed in
// parallel; a single global lock would serialize unrelated conversations.
const groupShards = 32

// GroupPersister is the slice of the message store the GroupStore needs
// to make group and connection records durable.
type GroupPersister interface {
	// GetGroup returns the persisted group for key, or nil if none exists.
	GetGroup(ctx context.Context, key string) (*Group, error)
	// AddGroup inserts a group record. The insert must be conditional
	// (no-op when the key already exists) so that two concurrent
	// first-joiners cannot create divergent records.
	AddGroup(ctx context.Context, g *Group) error
	// AddConnection records a connection as a member of a group.
	AddConnection(ctx context.Context, groupKey string, conn *Connection) error
	// GetConnection returns the connection record for connID, or nil.
	GetConnection(ctx context.Context, connID string) (*Connection, error)
	// RemoveConnection deletes a connection record.
	RemoveConnection(ctx context.Context, connID string) error
}

// groupShard holds the live membership for a subset of group keys.
type groupShard struct {
	mu      sync.RWMutex
	members map[string]map[string]string // group key -> conn ID -> username
}

// GroupStore tracks which connections are currently inside each
// conversation group. Live membership is kept in sharded in-memory maps
// (read on every send to decide read receipts, so it must not wait on
// external I/O); group and connection records are written through to the
// persister so they survive inspection tooling and restarts.
//
// A connection belongs to at most one group at a time.
type GroupStore struct {
	store GroupPersister

	shards [groupShards]groupShard

	// owner maps a connection ID to the group key it joined. Guarded by
	// ownerMu; membership mutations take the owner lock after the shard
	// lock, never the other way around.
	ownerMu sync.RWMutex
	owner   map[string]string
}

// NewGroupStore creates a GroupStore backed by the given persister.
func NewGroupStore(store GroupPersister) *GroupStore {
	gs := &GroupStore{
		store: store,
		owner: make(map[string]string),
	}
	for i := range gs.shards {
		gs.shards[i].members = make(map[string]map[string]string)
	}
	return gs
}

// shardFor returns the shard responsible for a group key.
func (gs *GroupStore) shardFor(key string) *groupShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &gs.shards[h.Sum32()%groupShards]
}

// GetOrCreate returns the group for key, creating and persisting it on
// first use. Creation races between two first-time joiners are resolved
// by the persister's conditional insert: the loser's insert is a no-op
// and both callers observe the same record.
func (gs *GroupStore) GetOrCreate(ctx context.Context, key string) (*Group, error) {
	g, err := gs.store.GetGroup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("chat: get group %q: %w", key, err)
	}
	if g != nil {
		return g, nil
	}

	g = &Group{Name: key}
	if err := gs.store.AddGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("chat: create group %q: %w", key, err)
	}
	return g, nil
}

// AddConnection registers conn as a live member of the group and writes
// the membership row through to the persister. The in-memory membership
// is updated first so routing decisions see the connection immediately.
func (gs *GroupStore) AddConnection(ctx context.Context, key string, conn *Connection) error {
	shard := gs.shardFor(key)
	shard.mu.Lock()
	m, ok := shard.members[key]
	if !ok {
		m = make(map[string]string)
		shard.members[key] = m
	}
	m[conn.ID] = conn.Username
	shard.mu.Unlock()

	gs.ownerMu.Lock()
	gs.owner[conn.ID] = key
	gs.ownerMu.Unlock()

	if err := gs.store.AddConnection(ctx, key, conn); err != nil {
		return fmt.Errorf("chat: persist connection %s in %q: %w", conn.ID, key, err)
	}
	return nil
}

// RemoveConnection removes a connection from whichever group owns it. A
// connection with no current membership is a silent no-op: that covers a
// disconnect before any group join and a double-disconnect.
func (gs *GroupStore) RemoveConnection(ctx context.Context, connID string) error {
	gs.ownerMu.Lock()
	key, ok := gs.owner[connID]
	if ok {
		delete(gs.owner, connID)
	}
	gs.ownerMu.Unlock()

	if ok {
		shard := gs.shardFor(key)
		shard.mu.Lock()
		if m, found := shard.members[key]; found {
			delete(m, connID)
		}
		shard.mu.Unlock()
	}

	// Best effort: clear any persisted row even if the in-memory index
	// had no entry (e.g. leftover from an earlier unclean shutdown).
	rec, err := gs.store.GetConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("chat: lookup connection %s: %w", connID, err)
	}
	if rec == nil {
		return nil
	}
	if err := gs.store.RemoveConnection(ctx, connID); err != nil {
		return fmt.Errorf("chat: remove connection %s: %w", connID, err)
	}
	return nil
}

// IsMember reports whether any of username's connections are currently
// inside the group. Used at send time to decide the read receipt.
func (gs *GroupStore) IsMember(key, username string) bool {
	shard := gs.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	for _, u := range shard.members[key] {
		if u == username {
			return true
		}
	}
	return false
}

// Connections returns a snapshot of the connection IDs currently in the
// group, safe to iterate without holding the shard lock.
func (gs *GroupStore) Connections(key string) []string {
	shard := gs.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	ids := make([]string, 0, len(shard.members[key]))
	for id := range shard.members[key] {
		ids = append(ids, id)
	}
	return ids
}
