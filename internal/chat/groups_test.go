package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// fakePersister is an in-memory GroupPersister with the same conditional
// insert semantics as the SQL store.
type fakePersister struct {
	mu          sync.Mutex
	groups      map[string]bool
	conns       map[string]*Connection
	groupWrites int // number of AddGroup calls that actually inserted
}

func newFakePersister() *fakePersister {
	return &fakePersister{
		groups: make(map[string]bool),
		conns:  make(map[string]*Connection),
	}
}

func (f *fakePersister) GetGroup(_ context.Context, key string) (*Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[key] {
		return &Group{Name: key}, nil
	}
	return nil, nil
}

func (f *fakePersister) AddGroup(_ context.Context, g *Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.groups[g.Name] {
		f.groups[g.Name] = true
		f.groupWrites++
	}
	return nil
}

func (f *fakePersister) AddConnection(_ context.Context, groupKey string, conn *Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn.ID] = &Connection{ID: conn.ID, Username: conn.Username}
	return nil
}

func (f *fakePersister) GetConnection(_ context.Context, connID string) (*Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[connID], nil
}

func (f *fakePersister) RemoveConnection(_ context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, connID)
	return nil
}

func TestGetOrCreate_CreatesOnce(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)
	ctx := context.Background()

	g, err := gs.GetOrCreate(ctx, "alice~bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Name != "alice~bob" {
		t.Errorf("expected group name %q, got %q", "alice~bob", g.Name)
	}

	// Second call returns the existing record without another insert.
	if _, err := gs.GetOrCreate(ctx, "alice~bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.groupWrites != 1 {
		t.Errorf("expected 1 group insert, got %d", fp.groupWrites)
	}
}

func TestGetOrCreate_ConcurrentFirstJoiners(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := gs.GetOrCreate(ctx, "alice~bob")
			if err != nil {
				errs <- err
				return
			}
			if g.Name != "alice~bob" {
				errs <- fmt.Errorf("wrong group name %q", g.Name)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent GetOrCreate: %v", err)
	}

	if fp.groupWrites != 1 {
		t.Errorf("expected exactly 1 group record, got %d inserts", fp.groupWrites)
	}
}

func TestAddConnection_Membership(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)
	ctx := context.Background()

	if err := gs.AddConnection(ctx, "alice~bob", &Connection{ID: "c1", Username: "alice"}); err != nil {
		t.Fatalf("add connection: %v", err)
	}
	if err := gs.AddConnection(ctx, "alice~bob", &Connection{ID: "c2", Username: "bob"}); err != nil {
		t.Fatalf("add connection: %v", err)
	}

	if !gs.IsMember("alice~bob", "alice") {
		t.Error("alice should be a member")
	}
	if !gs.IsMember("alice~bob", "bob") {
		t.Error("bob should be a member")
	}
	if gs.IsMember("alice~bob", "carol") {
		t.Error("carol should not be a member")
	}
	if gs.IsMember("alice~carol", "alice") {
		t.Error("membership must not leak across groups")
	}

	conns := gs.Connections("alice~bob")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(conns))
	}
}

func TestRemoveConnection(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)
	ctx := context.Background()

	gs.AddConnection(ctx, "alice~bob", &Connection{ID: "c1", Username: "alice"})

	if err := gs.RemoveConnection(ctx, "c1"); err != nil {
		t.Fatalf("remove connection: %v", err)
	}
	if gs.IsMember("alice~bob", "alice") {
		t.Error("alice should no longer be a member")
	}
	if got, _ := fp.GetConnection(ctx, "c1"); got != nil {
		t.Error("persisted connection row should be removed")
	}
}

func TestRemoveConnection_NeverJoined(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)

	// Disconnect before any group join must be a silent no-op.
	if err := gs.RemoveConnection(context.Background(), "ghost"); err != nil {
		t.Errorf("expected silent no-op, got %v", err)
	}
}

func TestRemoveConnection_Twice(t *testing.T) {
	fp := newFakePersister()
	gs := NewGroupStore(fp)
	ctx := context.Background()

	gs.AddConnection(ctx, "alice~bob", &Connection{ID: "c1", Username: "alice"})

	if err := gs.RemoveConnection(ctx, "c1"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := gs.RemoveConnection(ctx, "c1"); err != nil {
		t.Errorf("double-disconnect should be a no-op, got %v", err)
	}
}
