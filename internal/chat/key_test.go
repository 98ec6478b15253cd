package chat

import "testing"

func TestGroupKey_OrderIndependent(t *testing.T) {
	k1 := GroupKey("alice", "bob")
	k2 := GroupKey("bob", "alice")

	if k1 != k2 {
		t.Errorf("keys should be identical regardless of order: %q vs %q", k1, k2)
	}
}

func TestGroupKey_Format(t *testing.T) {
	if k := GroupKey("alice", "bob"); k != "alice~bob" {
		t.Errorf("expected %q, got %q", "alice~bob", k)
	}
	if k := GroupKey("zoe", "bob"); k != "bob~zoe" {
		t.Errorf("expected %q, got %q", "bob~zoe", k)
	}
}

func TestGroupKey_CaseInsensitive(t *testing.T) {
	k1 := GroupKey("Alice", "BOB")
	k2 := GroupKey("bob", "alice")

	if k1 != k2 {
		t.Errorf("mixed-case usernames should produce the same key: %q vs %q", k1, k2)
	}
	if k1 != "alice~bob" {
		t.Errorf("expected lowercased key %q, got %q", "alice~bob", k1)
	}
}
