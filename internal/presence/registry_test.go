package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestConnectDisconnect(t *testing.T) {
	r := NewRegistry()

	if n := r.Connect("alice", "c1"); n != 1 {
		t.Errorf("first connect: expected set size 1, got %d", n)
	}
	if n := r.Connect("alice", "c2"); n != 2 {
		t.Errorf("second connect: expected set size 2, got %d", n)
	}
	if got := len(r.Connections("alice")); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if offline := r.Disconnect("alice", "c1"); offline {
		t.Error("alice still has a connection, should not be offline")
	}
	if offline := r.Disconnect("alice", "c2"); !offline {
		t.Error("last disconnect should report user offline")
	}

	if got := len(r.Connections("alice")); got != 0 {
		t.Errorf("expected no connections, got %d", got)
	}
	if r.Online("alice") {
		t.Error("alice should be offline")
	}
	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("presence entry should be removed after last disconnect, %d users left", n)
	}
}

func TestConnect_DuplicateIsNoop(t *testing.T) {
	r := NewRegistry()

	r.Connect("alice", "c1")
	if n := r.Connect("alice", "c1"); n != 1 {
		t.Errorf("duplicate connect: expected set size 1, got %d", n)
	}
}

func TestDisconnect_Unknown(t *testing.T) {
	r := NewRegistry()

	// Neither call should panic or corrupt state.
	r.Disconnect("nobody", "c1")
	r.Connect("alice", "c1")
	r.Disconnect("alice", "c99")

	if !r.Online("alice") {
		t.Error("removing an unknown connection must not take the user offline")
	}
}

func TestConnections_SnapshotIsolated(t *testing.T) {
	r := NewRegistry()
	r.Connect("alice", "c1")

	snap := r.Connections("alice")
	snap[0] = "mutated"

	if got := r.Connections("alice")[0]; got != "c1" {
		t.Errorf("snapshot mutation leaked into registry: %q", got)
	}
}

func TestConcurrentSameUser(t *testing.T) {
	r := NewRegistry()
	const conns = 64

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Connect("alice", fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	if got := len(r.Connections("alice")); got != conns {
		t.Fatalf("expected %d connections, got %d", conns, got)
	}

	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Disconnect("alice", fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	if r.Online("alice") {
		t.Error("alice should be offline after all disconnects")
	}
	if n := r.OnlineUsers(); n != 0 {
		t.Errorf("expected empty registry, %d users left", n)
	}
}

func TestDistinctUsersIndependent(t *testing.T) {
	r := NewRegistry()

	r.Connect("alice", "c1")
	r.Connect("bob", "c2")

	r.Disconnect("alice", "c1")

	if r.Online("alice") {
		t.Error("alice should be offline")
	}
	if !r.Online("bob") {
		t.Error("bob should still be online")
	}
}
