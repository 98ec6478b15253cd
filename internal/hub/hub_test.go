package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/meetline/messenger/internal/chat"
	"github.com/meetline/messenger/internal/presence"
	"github.com/meetline/messenger/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes for the injected collaborators
// ---------------------------------------------------------------------------

type fakeDirectory struct {
	users map[string]*chat.User // lowercase username -> user
}

func (f *fakeDirectory) GetUserByUsername(_ context.Context, username string) (*chat.User, error) {
	return f.users[strings.ToLower(username)], nil
}

// fakeStore implements both the hub's MessageStore and the group store's
// persister, with the same conditional group insert semantics as SQL.
type fakeStore struct {
	mu          sync.Mutex
	saved       []*chat.Message
	thread      []*chat.Message
	failAdd     bool
	groups      map[string]bool
	groupWrites int
	conns       map[string]*chat.Connection
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups: make(map[string]bool),
		conns:  make(map[string]*chat.Connection),
	}
}

func (f *fakeStore) GetMessageThread(_ context.Context, a, b string) ([]*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.thread, nil
}

func (f *fakeStore) AddMessage(_ context.Context, m *chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return errors.New("write failed")
	}
	m.ID = int64(len(f.saved) + 1)
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeStore) GetGroup(_ context.Context, key string) (*chat.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[key] {
		return &chat.Group{Name: key}, nil
	}
	return nil, nil
}

func (f *fakeStore) AddGroup(_ context.Context, g *chat.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.groups[g.Name] {
		f.groups[g.Name] = true
		f.groupWrites++
	}
	return nil
}

func (f *fakeStore) AddConnection(_ context.Context, groupKey string, conn *chat.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn.ID] = conn
	return nil
}

func (f *fakeStore) GetConnection(_ context.Context, connID string) (*chat.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[connID], nil
}

func (f *fakeStore) RemoveConnection(_ context.Context, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, connID)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte // conn ID -> messages
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], data)
	return nil
}

// typesFor returns the "type" fields of every message sent to connID.
func (f *fakeSender) typesFor(t *testing.T, connID string) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var types []string
	for _, data := range f.sent[connID] {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("sent message is not valid JSON: %v", err)
		}
		types = append(types, m.Type)
	}
	return types
}

type fakeNotifier struct {
	mu      sync.Mutex
	connIDs []string
	sender  *chat.User
	calls   int
}

func (f *fakeNotifier) NotifyNewMessage(_ context.Context, connIDs []string, sender *chat.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connIDs = append([]string(nil), connIDs...)
	f.sender = sender
	f.calls++
	return nil
}

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

type fixture struct {
	hub      *Hub
	store    *fakeStore
	sender   *fakeSender
	notifier *fakeNotifier
	presence *presence.Registry
	groups   *chat.GroupStore
}

func newFixture() *fixture {
	dir := &fakeDirectory{users: map[string]*chat.User{
		"alice": {ID: 1, Username: "alice", DisplayName: "Alice"},
		"bob":   {ID: 2, Username: "bob", DisplayName: "Bob"},
		"carol": {ID: 3, Username: "carol", DisplayName: "Carol"},
	}}
	st := newFakeStore()
	snd := newFakeSender()
	ntf := &fakeNotifier{}
	reg := presence.NewRegistry()
	groups := chat.NewGroupStore(st)

	return &fixture{
		hub:      New(dir, st, groups, reg, snd, ntf),
		store:    st,
		sender:   snd,
		notifier: ntf,
		presence: reg,
		groups:   groups,
	}
}

// ---------------------------------------------------------------------------
// SendMessage validation
// ---------------------------------------------------------------------------

func TestSendMessage_SelfRejected(t *testing.T) {
	fx := newFixture()

	_, err := fx.hub.SendMessage(context.Background(), "alice", "ALICE", "hi me")
	if !errors.Is(err, ErrSelfMessage) {
		t.Fatalf("expected ErrSelfMessage, got %v", err)
	}
	if len(fx.store.saved) != 0 {
		t.Error("self-message must never reach persistence")
	}
}

func TestSendMessage_UnknownRecipient(t *testing.T) {
	fx := newFixture()

	_, err := fx.hub.SendMessage(context.Background(), "alice", "mallory", "hello?")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
	if len(fx.store.saved) != 0 {
		t.Error("message to unknown recipient must never persist")
	}
}

func TestSendMessage_InvalidContent(t *testing.T) {
	fx := newFixture()

	_, err := fx.hub.SendMessage(context.Background(), "alice", "bob", "   ")
	if !errors.Is(err, ErrInvalidContent) {
		t.Fatalf("expected ErrInvalidContent, got %v", err)
	}
	if len(fx.store.saved) != 0 {
		t.Error("invalid content must never persist")
	}
}

// ---------------------------------------------------------------------------
// Read receipts and notifications
// ---------------------------------------------------------------------------

func TestSendMessage_ReadReceiptWhenRecipientViewingThread(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	// Alice has the thread with Bob open; Bob is offline elsewhere.
	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}

	// Bob sends to Alice while Alice's connection is a group member.
	msg, err := fx.hub.SendMessage(ctx, "bob", "alice", "hey")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ReadAt == nil {
		t.Error("message should carry a read timestamp: recipient has the thread open")
	}
	if len(fx.store.saved) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(fx.store.saved))
	}
	if fx.store.saved[0].ReadAt == nil {
		t.Error("read timestamp must be stamped before persistence")
	}
	if fx.notifier.calls != 0 {
		t.Error("no notification should be pushed when the recipient is in the group")
	}

	// Alice's connection receives the broadcast new_message.
	types := fx.sender.typesFor(t, "conn-a")
	found := false
	for _, mt := range types {
		if mt == protocol.TypeNewMessage {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a %s broadcast to conn-a, got %v", protocol.TypeNewMessage, types)
	}
}

func TestSendMessage_NotifiesRecipientOnlineElsewhere(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	// Alice has the thread with Bob open. Bob is online, but his
	// connection is viewing a different thread.
	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	if err := fx.hub.OnConnect(ctx, "conn-b", "bob", "carol"); err != nil {
		t.Fatalf("connect bob: %v", err)
	}

	msg, err := fx.hub.SendMessage(ctx, "alice", "bob", "ping")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ReadAt != nil {
		t.Error("message must not be stamped read: recipient is not viewing this thread")
	}
	if fx.notifier.calls != 1 {
		t.Fatalf("expected 1 notification, got %d", fx.notifier.calls)
	}
	if len(fx.notifier.connIDs) != 1 || fx.notifier.connIDs[0] != "conn-b" {
		t.Errorf("notification should target exactly bob's connections, got %v", fx.notifier.connIDs)
	}
	if fx.notifier.sender == nil || fx.notifier.sender.Username != "alice" {
		t.Errorf("notification should carry the sender, got %+v", fx.notifier.sender)
	}
}

func TestSendMessage_RecipientFullyOffline(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}

	msg, err := fx.hub.SendMessage(ctx, "alice", "bob", "are you there?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ReadAt != nil {
		t.Error("offline recipient must not produce a read receipt")
	}
	if fx.notifier.calls != 0 {
		t.Error("offline recipient must not be notified")
	}
	if len(fx.store.saved) != 1 {
		t.Errorf("message should still persist, got %d", len(fx.store.saved))
	}
}

// ---------------------------------------------------------------------------
// Persistence failure
// ---------------------------------------------------------------------------

func TestSendMessage_PersistFailureNoBroadcast(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	// Drain the thread replay from the connect.
	fx.sender.mu.Lock()
	fx.sender.sent = make(map[string][][]byte)
	fx.sender.mu.Unlock()

	fx.store.failAdd = true
	_, err := fx.hub.SendMessage(ctx, "alice", "bob", "doomed")
	if err == nil {
		t.Fatal("expected persistence failure to surface")
	}
	if errors.Is(err, ErrSelfMessage) || errors.Is(err, ErrUnknownUser) {
		t.Fatalf("persistence failure must not look like a validation error: %v", err)
	}

	if types := fx.sender.typesFor(t, "conn-a"); len(types) != 0 {
		t.Errorf("no broadcast may occur when persistence fails, got %v", types)
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestOnConnect_UnknownPeerRejected(t *testing.T) {
	fx := newFixture()

	err := fx.hub.OnConnect(context.Background(), "conn-a", "alice", "mallory")
	if !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestOnConnect_ReplaysThreadToGroup(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.store.thread = []*chat.Message{
		{ID: 1, SenderUsername: "alice", RecipientUsername: "bob", Content: "old message"},
	}

	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	if err := fx.hub.OnConnect(ctx, "conn-b", "bob", "alice"); err != nil {
		t.Fatalf("connect bob: %v", err)
	}

	// The second join broadcasts the refreshed thread to the whole
	// group, not just the new connection.
	typesA := fx.sender.typesFor(t, "conn-a")
	if len(typesA) != 2 || typesA[0] != protocol.TypeMessageThread || typesA[1] != protocol.TypeMessageThread {
		t.Errorf("conn-a should receive the thread on both joins, got %v", typesA)
	}
	typesB := fx.sender.typesFor(t, "conn-b")
	if len(typesB) != 1 || typesB[0] != protocol.TypeMessageThread {
		t.Errorf("conn-b should receive the thread once, got %v", typesB)
	}
}

func TestOnDisconnect_RemovesMembershipAndPresence(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	if err := fx.hub.OnConnect(ctx, "conn-a", "alice", "bob"); err != nil {
		t.Fatalf("connect alice: %v", err)
	}

	fx.hub.OnDisconnect("conn-a", "alice", nil)

	if fx.groups.IsMember("alice~bob", "alice") {
		t.Error("alice should be out of the group after disconnect")
	}
	if fx.presence.Online("alice") {
		t.Error("alice should be offline after her only disconnect")
	}

	// A message sent now is an offline delivery, not a read receipt.
	msg, err := fx.hub.SendMessage(ctx, "bob", "alice", "anyone home?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ReadAt != nil {
		t.Error("disconnected recipient must not produce a read receipt")
	}
}

func TestOnDisconnect_NeverJoined(t *testing.T) {
	fx := newFixture()

	// Must not panic or surface an error; cleanup is unconditional.
	fx.hub.OnDisconnect("ghost-conn", "alice", errors.New("read: connection reset"))
	fx.hub.OnDisconnect("ghost-conn", "", nil)
}

func TestConcurrentFirstConnects_SingleGroup(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, join := range []struct{ conn, user, peer string }{
		{"conn-a", "alice", "bob"},
		{"conn-b", "bob", "alice"},
	} {
		wg.Add(1)
		go func(conn, user, peer string) {
			defer wg.Done()
			if err := fx.hub.OnConnect(ctx, conn, user, peer); err != nil {
				errs <- fmt.Errorf("connect %s: %w", user, err)
			}
		}(join.conn, join.user, join.peer)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if fx.store.groupWrites != 1 {
		t.Errorf("expected exactly one group record, got %d inserts", fx.store.groupWrites)
	}
	if got := len(fx.groups.Connections("alice~bob")); got != 2 {
		t.Errorf("both connections should be members, got %d", got)
	}
}
