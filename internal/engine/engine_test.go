package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nova-chat/novasync/internal/remote"
	"github.com/nova-chat/novasync/internal/schema"
	"github.com/nova-chat/novasync/internal/store"
)

// fakeServer is an in-memory authoritative store shared by the engines
// under test, with a monotonic server clock.
type fakeServer struct {
	mu            sync.Mutex
	clock         time.Time
	nextID        int
	conversations map[string]*schema.Conversation
	messages      map[string]*schema.Message
	createErr     error
	createGate    chan struct{}
	createCalls   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		clock:         time.Now().UTC().Truncate(time.Millisecond),
		conversations: make(map[string]*schema.Conversation),
		messages:      make(map[string]*schema.Message),
	}
}

func (f *fakeServer) tick() time.Time {
	f.clock = f.clock.Add(time.Millisecond)
	return f.clock
}

func (f *fakeServer) setCreateErr(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

// setCreateGate makes CreateMessage block until the channel is closed,
// holding a confirm round-trip open for race tests.
func (f *fakeServer) setCreateGate(gate chan struct{}) {
	f.mu.Lock()
	f.createGate = gate
	f.mu.Unlock()
}

func (f *fakeServer) FetchSince(ctx context.Context, userID string, since time.Time, windowDays, maxConversations, maxMessages int) (*remote.Changes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	changes := &remote.Changes{}
	for _, c := range f.conversations {
		if c.UserID == userID && c.UpdatedAt.After(since) {
			copied := *c
			changes.Conversations = append(changes.Conversations, &copied)
		}
	}
	for _, m := range f.messages {
		if m.UserID == userID && m.UpdatedAt.After(since) {
			copied := *m
			changes.Messages = append(changes.Messages, &copied)
		}
	}
	return changes, nil
}

func (f *fakeServer) FetchConversationMessages(ctx context.Context, conversationID string, limit int) ([]*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*schema.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeServer) CreateMessage(ctx context.Context, m *schema.Message) (*schema.Message, error) {
	f.mu.Lock()
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &remote.NetError{Op: "create", Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextID++
	confirmed := *m
	confirmed.ID = fmt.Sprintf("srv-%d", f.nextID)
	confirmed.Status = schema.StatusSynced
	confirmed.UpdatedAt = f.tick()
	f.messages[confirmed.ID] = &confirmed

	out := confirmed
	return &out, nil
}

func (f *fakeServer) UpsertConversation(ctx context.Context, c *schema.Conversation) (*schema.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	confirmed := *c
	confirmed.UpdatedAt = f.tick()
	f.conversations[confirmed.ID] = &confirmed

	out := confirmed
	return &out, nil
}

func (f *fakeServer) SoftDeleteMessage(ctx context.Context, id string, scope schema.DeleteScope) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.messages[id]
	if !ok {
		return nil, &remote.BadRowError{Status: 404, Detail: "no such message"}
	}
	if !m.Deleted() {
		m.Tombstone(f.tick(), scope)
	}
	out := *m
	return &out, nil
}

func (f *fakeServer) SoftDeleteConversation(ctx context.Context, id string) (*schema.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.conversations[id]
	if !ok {
		return nil, &remote.BadRowError{Status: 404, Detail: "no such conversation"}
	}
	if !c.Deleted() {
		c.Tombstone(f.tick())
	}
	out := *c
	return &out, nil
}

func (f *fakeServer) Subscribe(ctx context.Context, userID string) (*remote.Subscription, error) {
	return nil, &remote.NetError{Op: "subscribe", Err: fmt.Errorf("push channel unavailable")}
}

func (f *fakeServer) Ping(ctx context.Context) error { return nil }

var _ remote.API = (*fakeServer)(nil)

func setupEngine(t *testing.T, srv *fakeServer, userID string) *Engine {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	e, err := New(Config{
		UserID:           userID,
		DB:               db,
		Remote:           srv,
		MaxWriteAttempts: 3,
		WriteBackoff:     10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	return e
}

func seedConversation(t *testing.T, srv *fakeServer, e *Engine, id string) {
	t.Helper()

	srv.mu.Lock()
	conv := &schema.Conversation{
		ID: id, UserID: e.config.UserID, Title: "Chat", UpdatedAt: srv.tick(),
	}
	srv.conversations[id] = conv
	srv.mu.Unlock()

	if err := e.db.UpsertConversation(context.Background(), conv); err != nil {
		t.Fatalf("failed to seed conversation: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOptimisticCreateThenPromotion(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	localID, err := e.CreateMessage(ctx, Draft{
		ConversationID: "c1",
		Role:           schema.RoleUser,
		Content:        "hello from device A",
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if !schema.IsLocalID(localID) {
		t.Errorf("returned id %q is not a local id", localID)
	}

	// The optimistic row is immediately visible as pending.
	msgs, err := e.ListMessages(ctx, "c1", 0, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != localID || msgs[0].Status != schema.StatusPending {
		t.Fatalf("optimistic row wrong: %+v", msgs)
	}

	// The background confirm promotes it to the server id, exactly once.
	waitFor(t, 5*time.Second, func() bool {
		msgs, err := e.ListMessages(ctx, "c1", 0, false)
		return err == nil && len(msgs) == 1 &&
			!schema.IsLocalID(msgs[0].ID) && msgs[0].Status == schema.StatusSynced
	}, "optimistic write never promoted")

	msgs, _ = e.ListMessages(ctx, "c1", 0, false)
	if msgs[0].Content != "hello from device A" {
		t.Errorf("content changed across promotion: %q", msgs[0].Content)
	}

	stats := e.Stats()
	if stats.Promoted != 1 {
		t.Errorf("Stats.Promoted = %d, want 1", stats.Promoted)
	}
}

func TestExhaustedWriteFailsThenRetrySucceeds(t *testing.T) {
	srv := newFakeServer()
	srv.setCreateErr(&remote.NetError{Op: "create", Err: fmt.Errorf("offline")})
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	localID, err := e.CreateMessage(ctx, Draft{
		ConversationID: "c1", Role: schema.RoleUser, Content: "stuck",
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		m, err := e.db.GetMessage(ctx, localID)
		return err == nil && m.Status == schema.StatusFailed
	}, "write never marked failed")

	if err := e.RetryMessage(ctx, localID); err != nil {
		t.Fatalf("RetryMessage failed: %v", err)
	}

	// Back online: the retry confirms and promotes.
	srv.setCreateErr(nil)
	waitFor(t, 5*time.Second, func() bool {
		msgs, err := e.ListMessages(ctx, "c1", 0, false)
		return err == nil && len(msgs) == 1 && msgs[0].Status == schema.StatusSynced
	}, "retried write never confirmed")
}

func TestDeleteForEveryoneWindow(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	now := time.Now().UTC()
	old := &schema.Message{
		ID: "srv-old", ConversationID: "c1", UserID: "user-1",
		Role: schema.RoleUser, Content: "ancient", Status: schema.StatusSynced,
		Timestamp: now.Add(-49 * time.Hour), UpdatedAt: now.Add(-49 * time.Hour),
	}
	if err := e.db.UpsertMessage(ctx, old); err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}

	if err := e.DeleteMessage(ctx, "srv-old", schema.ScopeEveryone); err == nil {
		t.Error("delete for everyone succeeded outside the 48h window")
	}

	// Self-scoped deletes have no window.
	if err := e.DeleteMessage(ctx, "srv-old", schema.ScopeSelf); err != nil {
		t.Fatalf("self delete failed: %v", err)
	}
	m, err := e.db.GetMessage(ctx, "srv-old")
	if err != nil {
		t.Fatalf("failed to get message: %v", err)
	}
	if !m.Deleted() || m.DeletedBy != schema.ScopeSelf {
		t.Errorf("message not tombstoned with self scope: %+v", m)
	}

	// Idempotent: deleting again is a no-op, even with another scope.
	if err := e.DeleteMessage(ctx, "srv-old", schema.ScopeEveryone); err != nil {
		t.Errorf("repeat delete errored: %v", err)
	}
	m, _ = e.db.GetMessage(ctx, "srv-old")
	if m.DeletedBy != schema.ScopeSelf {
		t.Errorf("repeat delete rewrote scope to %q", m.DeletedBy)
	}
}

func TestTwoDevicesConvergeOnDeleteForEveryone(t *testing.T) {
	srv := newFakeServer()
	deviceA := setupEngine(t, srv, "user-1")
	deviceB := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, deviceA, "c1")
	seedConversation(t, srv, deviceB, "c1")

	// Device A writes; wait for the server to confirm.
	if _, err := deviceA.CreateMessage(ctx, Draft{
		ConversationID: "c1", Role: schema.RoleUser, Content: "delete me",
	}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	var serverID string
	waitFor(t, 5*time.Second, func() bool {
		msgs, err := deviceA.ListMessages(ctx, "c1", 0, false)
		if err == nil && len(msgs) == 1 && !schema.IsLocalID(msgs[0].ID) {
			serverID = msgs[0].ID
			return true
		}
		return false
	}, "device A write never confirmed")

	// Device B pulls and sees it.
	if err := deviceB.ForceRefresh(ctx); err != nil {
		t.Fatalf("device B refresh failed: %v", err)
	}
	msgs, err := deviceB.ListMessages(ctx, "c1", 0, false)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("device B did not converge on create: %v, %d messages", err, len(msgs))
	}

	// Device A deletes for everyone; wait for the server tombstone.
	if err := deviceA.DeleteMessage(ctx, serverID, schema.ScopeEveryone); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.messages[serverID].Deleted()
	}, "server never saw the tombstone")

	// Device B pulls the tombstone.
	if err := deviceB.ForceRefresh(ctx); err != nil {
		t.Fatalf("device B refresh failed: %v", err)
	}
	for name, device := range map[string]*Engine{"A": deviceA, "B": deviceB} {
		msgs, err := device.ListMessages(ctx, "c1", 0, false)
		if err != nil {
			t.Fatalf("device %s list failed: %v", name, err)
		}
		if len(msgs) != 0 {
			t.Errorf("device %s still shows %d messages after delete-for-everyone", name, len(msgs))
		}
	}
}

func TestDeleteWhileConfirmInFlight(t *testing.T) {
	srv := newFakeServer()
	gate := make(chan struct{})
	srv.setCreateGate(gate)
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	localID, err := e.CreateMessage(ctx, Draft{
		ConversationID: "c1", Role: schema.RoleUser, Content: "thought better of it",
	})
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// Delete while the confirm round-trip is parked at the server.
	if err := e.DeleteMessage(ctx, localID, schema.ScopeSelf); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	close(gate)

	// The server must end up with a single tombstoned row.
	waitFor(t, 5*time.Second, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if len(srv.messages) != 1 {
			return false
		}
		for _, m := range srv.messages {
			if !m.Deleted() {
				return false
			}
		}
		return true
	}, "server never learned of the delete")

	// Locally the tombstone carries over to the server id.
	waitFor(t, 5*time.Second, func() bool {
		all, err := e.ListMessages(ctx, "c1", 0, true)
		return err == nil && len(all) == 1 && !schema.IsLocalID(all[0].ID)
	}, "optimistic row never promoted")

	visible, err := e.ListMessages(ctx, "c1", 0, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("deleted message resurrected: %+v", visible[0])
	}
	all, _ := e.ListMessages(ctx, "c1", 0, true)
	if len(all) != 1 || !all[0].Deleted() || all[0].DeletedBy != schema.ScopeSelf {
		t.Errorf("tombstone did not survive promotion: %+v", all)
	}
}

func TestFlushSkipsInFlightConfirm(t *testing.T) {
	srv := newFakeServer()
	gate := make(chan struct{})
	srv.setCreateGate(gate)
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	if _, err := e.CreateMessage(ctx, Draft{
		ConversationID: "c1", Role: schema.RoleUser, Content: "sent once",
	}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	// A scheduled pass while the confirm is still on the wire must not
	// re-submit the row.
	if err := e.flushPending(ctx); err != nil {
		t.Fatalf("flushPending failed: %v", err)
	}
	close(gate)

	waitFor(t, 5*time.Second, func() bool {
		msgs, err := e.ListMessages(ctx, "c1", 0, false)
		return err == nil && len(msgs) == 1 && msgs[0].Status == schema.StatusSynced
	}, "write never confirmed")

	srv.mu.Lock()
	calls := srv.createCalls
	count := len(srv.messages)
	srv.mu.Unlock()
	if calls != 1 {
		t.Errorf("remote CreateMessage called %d times, want 1", calls)
	}
	if count != 1 {
		t.Errorf("server holds %d messages, want 1", count)
	}
}

func TestOpenConversationBackfillsDemotedHistory(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	// Server has history; locally the conversation is metadata-only.
	srv.mu.Lock()
	for i := 0; i < 3; i++ {
		at := srv.tick()
		id := fmt.Sprintf("srv-h%d", i)
		srv.messages[id] = &schema.Message{
			ID: id, ConversationID: "c1", UserID: "user-1",
			Role: schema.RoleAssistant, Content: "history", Status: schema.StatusSynced,
			Timestamp: at, UpdatedAt: at,
		}
	}
	srv.mu.Unlock()
	if err := e.db.SetFullHistory(ctx, "c1", false); err != nil {
		t.Fatalf("failed to demote: %v", err)
	}

	if err := e.OpenConversation(ctx, "c1"); err != nil {
		t.Fatalf("OpenConversation failed: %v", err)
	}

	msgs, err := e.ListMessages(ctx, "c1", 0, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("backfilled %d messages, want 3", len(msgs))
	}
	full, err := e.db.HasFullHistory(ctx, "c1")
	if err != nil || !full {
		t.Errorf("conversation not marked full history after backfill (full=%v, err=%v)", full, err)
	}

	// Already-full conversations skip the fetch.
	if err := e.OpenConversation(ctx, "c1"); err != nil {
		t.Errorf("second OpenConversation failed: %v", err)
	}
}

func TestNotificationsOnRefresh(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	srv.mu.Lock()
	srv.conversations["c1"] = &schema.Conversation{
		ID: "c1", UserID: "user-1", Title: "New chat", UpdatedAt: srv.tick(),
	}
	srv.mu.Unlock()

	if err := e.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	select {
	case change := <-e.Notifications():
		if change.Kind != ConversationChanged || change.ID != "c1" {
			t.Errorf("unexpected notification %+v", change)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notification after refresh applied a row")
	}
}

func TestRenameAndPinPropagate(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()
	seedConversation(t, srv, e, "c1")

	if err := e.RenameConversation(ctx, "c1", "Renamed"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	if err := e.SetConversationPinned(ctx, "c1", true); err != nil {
		t.Fatalf("pin failed: %v", err)
	}

	c, err := e.db.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if c.Title != "Renamed" || !c.Pinned {
		t.Errorf("local state = %+v, want renamed and pinned", c)
	}

	waitFor(t, 5*time.Second, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		remote := srv.conversations["c1"]
		return remote.Title == "Renamed" && remote.Pinned
	}, "rename/pin never reached the server")
}

func TestLastSyncedAtAdvances(t *testing.T) {
	srv := newFakeServer()
	e := setupEngine(t, srv, "user-1")
	ctx := context.Background()

	before, err := e.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt failed: %v", err)
	}
	if !before.IsZero() {
		t.Errorf("cursor before first sync = %v, want zero", before)
	}

	srv.mu.Lock()
	at := srv.tick()
	srv.conversations["c1"] = &schema.Conversation{
		ID: "c1", UserID: "user-1", Title: "Chat", UpdatedAt: at,
	}
	srv.mu.Unlock()

	if err := e.ForceRefresh(ctx); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	after, err := e.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt failed: %v", err)
	}
	if !after.Equal(at) {
		t.Errorf("cursor = %v, want %v", after, at)
	}
}
