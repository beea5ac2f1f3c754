package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

type publishedFrame struct {
	topic   string
	payload []byte
}

// fakeTransport records subscriptions and publishes and lets tests deliver
// events to the registered handlers.
type fakeTransport struct {
	mu             sync.Mutex
	accept         bool
	publishErr     error
	publishPanic   bool
	activateErr    error
	activations    int
	handlers       map[string]Handler
	subscribeCalls map[string]int
	unsubscribed   []string
	published      []publishedFrame
	reconnected    []func()
}

func newFakeTransport(accept bool) *fakeTransport {
	return &fakeTransport{
		accept:         accept,
		handlers:       make(map[string]Handler),
		subscribeCalls: make(map[string]int),
	}
}

func (f *fakeTransport) Activate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	return f.activateErr
}

func (f *fakeTransport) Subscribe(topic string, h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	f.subscribeCalls[topic]++
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishPanic {
		panic("transport exploded")
	}
	if f.publishErr != nil {
		return false, f.publishErr
	}
	if !f.accept {
		return false, nil
	}
	f.published = append(f.published, publishedFrame{topic: topic, payload: payload})
	return true, nil
}

func (f *fakeTransport) OnReconnected(fn func()) {
	f.mu.Lock()
	f.reconnected = append(f.reconnected, fn)
	f.mu.Unlock()
}

// deliver hands payload to the handler of topic, as a transport read loop
// would. It reports whether a handler was registered.
func (f *fakeTransport) deliver(topic, payload string) bool {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(topic, []byte(payload))
	return true
}

func (f *fakeTransport) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// fakeBackend is an in-memory REST collaborator. CreateMessage persists the
// message so a following FetchHistory returns it.
type fakeBackend struct {
	mu         sync.Mutex
	rooms      []Room
	history    map[string][]Message
	created    []OutgoingMessage
	listCalls  int
	fetchCalls map[string]int
	createErr  error
	historyErr error
	actionErr  error
	actions    []string
	onFetch    func(roomID string, call int) // runs before FetchHistory returns
	nextID     int
}

func newFakeBackend(rooms ...Room) *fakeBackend {
	return &fakeBackend{
		rooms:      rooms,
		history:    make(map[string][]Message),
		fetchCalls: make(map[string]int),
	}
}

func (b *fakeBackend) ListRooms(ctx context.Context) ([]Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	return append([]Room(nil), b.rooms...), nil
}

func (b *fakeBackend) FetchHistory(ctx context.Context, roomID string) ([]Message, error) {
	b.mu.Lock()
	b.fetchCalls[roomID]++
	call := b.fetchCalls[roomID]
	msgs := append([]Message(nil), b.history[roomID]...)
	err := b.historyErr
	hook := b.onFetch
	b.mu.Unlock()

	if hook != nil {
		hook(roomID, call)
	}
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (b *fakeBackend) CreateMessage(ctx context.Context, out OutgoingMessage) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, out)
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.nextID++
	m := Message{
		ID:         fmt.Sprintf("srv-%d", b.nextID),
		RoomID:     out.RoomID,
		SenderID:   out.SenderID,
		SenderName: out.SenderName,
		Content:    out.Content,
		Kind:       out.Kind,
		CreatedAt:  out.CreatedAt,
		ReplyToID:  out.ReplyToID,
	}
	b.history[out.RoomID] = append(b.history[out.RoomID], m)
	return &m, nil
}

func (b *fakeBackend) action(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, name)
	return b.actionErr
}

func (b *fakeBackend) RecallMessage(ctx context.Context, roomID, messageID string) error {
	return b.action("recall " + messageID)
}

func (b *fakeBackend) SetReaction(ctx context.Context, roomID, messageID, emoji string) error {
	return b.action("react " + messageID + " " + emoji)
}

func (b *fakeBackend) ClearReaction(ctx context.Context, roomID, messageID, emoji string) error {
	return b.action("unreact " + messageID + " " + emoji)
}

func (b *fakeBackend) TogglePin(ctx context.Context, roomID, messageID string, pinned bool) error {
	return b.action(fmt.Sprintf("pin %s %v", messageID, pinned))
}

var me = Identity{UserID: "me", DisplayName: "Me"}

func newTestEngine(t *testing.T, transport *fakeTransport, backend *fakeBackend) (*Engine, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	e := NewEngine(nil, transport, backend, Options{
		Identity:            me,
		Metrics:             metrics,
		RoomRefreshInterval: -1,
	})
	return e, metrics
}

func newMessagePayload(id, content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":         id,
		"senderId":   "u2",
		"senderName": "Bob",
		"content":    content,
		"type":       "TEXT",
		"createdAt":  t0.Format(time.RFC3339),
	})
	return string(b)
}

// ============================================================================
// Send
// ============================================================================

func TestSendWhileConnected(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e, metrics := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	if err := e.Send(ctx, "r1", "  hello  ", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	log := e.Store().Log("r1")
	last := log[len(log)-1]
	if !last.IsTemporary() || last.Content != "hello" || last.SenderID != "me" {
		t.Fatalf("expected optimistic entry, got %+v", last)
	}
	if len(backend.created) != 0 {
		t.Fatal("REST fallback must not run when the transport accepted")
	}
	if len(transport.published) != 1 || transport.published[0].topic != "chat.r1.send" {
		t.Fatalf("unexpected publishes %+v", transport.published)
	}
	var out OutgoingMessage
	if err := json.Unmarshal(transport.published[0].payload, &out); err != nil {
		t.Fatalf("published payload: %v", err)
	}
	if out.ClientID == "" || out.Content != "hello" || out.RoomID != "r1" {
		t.Fatalf("unexpected outgoing message %+v", out)
	}

	transport.deliver("chat.r1", newMessagePayload("m-42", "hello"))

	log = e.Store().Log("r1")
	if len(log) != 1 || log[0].ID != "m-42" || log[0].Content != "hello" {
		t.Fatalf("expected exactly m-42, got %v", ids(log))
	}
	if countTemps(log) != 0 {
		t.Fatal("temporary entry survived the confirmation")
	}
	if got := testutil.ToFloat64(metrics.Sends.WithLabelValues("transport")); got != 1 {
		t.Fatalf("expected 1 transport send, got %v", got)
	}
}

func TestSendFallback(t *testing.T) {
	transport := newFakeTransport(false)
	backend := newFakeBackend(room("r1", 0, t0))
	e, metrics := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	fetchesBefore := backend.fetchCalls["r1"]

	if err := e.Send(ctx, "r1", "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(backend.created) != 1 {
		t.Fatalf("expected one REST create, got %d", len(backend.created))
	}
	if backend.fetchCalls["r1"] != fetchesBefore+1 {
		t.Fatal("expected a full history refetch after the fallback")
	}
	log := e.Store().Log("r1")
	if len(log) != 1 || log[0].Content != "hello" || log[0].IsTemporary() {
		t.Fatalf("expected the message exactly once, got %+v", log)
	}
	if got := testutil.ToFloat64(metrics.Sends.WithLabelValues("fallback")); got != 1 {
		t.Fatalf("expected 1 fallback send, got %v", got)
	}
}

func TestSendTransportFailureFallsBack(t *testing.T) {
	t.Run("publish error", func(t *testing.T) {
		transport := newFakeTransport(true)
		transport.publishErr = errors.New("broken pipe")
		backend := newFakeBackend(room("r1", 0, t0))
		e, _ := newTestEngine(t, transport, backend)

		if err := e.Send(context.Background(), "r1", "hi", ""); err != nil {
			t.Fatalf("transport errors must not reach the caller, got %v", err)
		}
		if len(backend.created) != 1 {
			t.Fatal("expected the REST fallback")
		}
	})

	t.Run("publish panic", func(t *testing.T) {
		transport := newFakeTransport(true)
		transport.publishPanic = true
		backend := newFakeBackend(room("r1", 0, t0))
		e, _ := newTestEngine(t, transport, backend)

		if err := e.Send(context.Background(), "r1", "hi", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(backend.created) != 1 {
			t.Fatal("expected the REST fallback")
		}
	})
}

func TestSendFallbackFailure(t *testing.T) {
	transport := newFakeTransport(false)
	backend := newFakeBackend(room("r1", 0, t0))
	backend.createErr = &APIError{Code: "INTERNAL", Message: "db down", Status: 500}
	e, metrics := newTestEngine(t, transport, backend)

	err := e.Send(context.Background(), "r1", "hello", "")
	if !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed, got %v", err)
	}
	if UserMessage(err) != "Operation failed. Please try again." {
		t.Fatalf("unexpected user message %q", UserMessage(err))
	}
	log := e.Store().Log("r1")
	if len(log) != 1 || !log[0].IsTemporary() {
		t.Fatal("the optimistic entry stays visible after a failed send")
	}
	if got := testutil.ToFloat64(metrics.Sends.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed send, got %v", got)
	}
}

func TestSendResyncFailureIsNotReported(t *testing.T) {
	transport := newFakeTransport(false)
	backend := newFakeBackend(room("r1", 0, t0))
	backend.historyErr = errors.New("timeout")
	e, _ := newTestEngine(t, transport, backend)

	if err := e.Send(context.Background(), "r1", "hello", ""); err != nil {
		t.Fatalf("the message was created; expected nil, got %v", err)
	}
}

func TestSendEmptyContent(t *testing.T) {
	transport := newFakeTransport(true)
	e, _ := newTestEngine(t, transport, newFakeBackend())

	err := e.Send(context.Background(), "r1", "   \n\t", "")
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if len(e.Store().Log("r1")) != 0 || len(transport.published) != 0 {
		t.Fatal("empty content must not touch the log or the transport")
	}
}

func TestSendReplyTarget(t *testing.T) {
	transport := newFakeTransport(true)
	e, _ := newTestEngine(t, transport, newFakeBackend())

	if err := e.Send(context.Background(), "r1", "yes", "m-7"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := e.Store().Log("r1")[0].ReplyToID; got != "m-7" {
		t.Fatalf("expected reply target m-7, got %q", got)
	}
}

// ============================================================================
// Incoming events
// ============================================================================

func TestUnreadAccrual(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0), room("r2", 0, t0))
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.WatchRooms(ctx); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}

	transport.deliver("chat.r2", newMessagePayload("m-1", "for r2"))
	r2, _ := e.Store().Room("r2")
	if r2.UnreadCount != 1 {
		t.Fatalf("unfocused room: expected 1 unread, got %d", r2.UnreadCount)
	}
	if r2.LastMessage != "for r2" || !r2.LastActivity.Equal(t0) {
		t.Fatalf("preview not updated: %+v", r2)
	}

	transport.deliver("chat.r1", newMessagePayload("m-2", "for r1"))
	r1, _ := e.Store().Room("r1")
	if r1.UnreadCount != 0 {
		t.Fatalf("focused room: expected 0 unread, got %d", r1.UnreadCount)
	}

	// Redelivery is a no-op for the counter too.
	transport.deliver("chat.r2", newMessagePayload("m-1", "for r2"))
	r2, _ = e.Store().Room("r2")
	if r2.UnreadCount != 1 {
		t.Fatalf("duplicate delivery: expected 1 unread, got %d", r2.UnreadCount)
	}

	// Focus is read when the event is applied, not when subscribing.
	if err := e.CloseRoom("r1"); err != nil {
		t.Fatalf("close room: %v", err)
	}
	transport.deliver("chat.r1", newMessagePayload("m-3", "later"))
	r1, _ = e.Store().Room("r1")
	if r1.UnreadCount != 1 {
		t.Fatalf("after leaving: expected 1 unread, got %d", r1.UnreadCount)
	}
	if e.Store().TotalUnread() != 2 {
		t.Fatalf("expected 2 unread in total, got %d", e.Store().TotalUnread())
	}

	e.MarkRead("r2")
	if r2, _ = e.Store().Room("r2"); r2.UnreadCount != 0 {
		t.Fatal("MarkRead should zero the counter")
	}
}

func TestSubscriptionSharedBetweenSurfaces(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e, metrics := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.WatchRooms(ctx); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	if n := transport.subscribeCalls["chat.r1"]; n != 1 {
		t.Fatalf("expected one handler registration, got %d", n)
	}

	transport.deliver("chat.r1", newMessagePayload("m-1", "once"))
	if got := testutil.ToFloat64(metrics.EventsApplied.WithLabelValues(string(EventNewMessage))); got != 1 {
		t.Fatalf("expected one reconciler run, got %v", got)
	}

	if err := e.CloseRoom("r1"); err != nil {
		t.Fatalf("close room: %v", err)
	}
	if !transport.subscribed("chat.r1") {
		t.Fatal("list-level subscription must survive closing the room")
	}
	for _, topic := range []string{"chat.r1.recall", "chat.r1.reaction", "chat.r1.pin"} {
		if transport.subscribed(topic) {
			t.Fatalf("detail topic %s should be released", topic)
		}
	}
}

func TestListPolicyAllTopics(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e := NewEngine(nil, transport, backend, Options{ListTopics: ListAllTopics, RoomRefreshInterval: -1})

	if err := e.WatchRooms(context.Background()); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	for _, topic := range RoomTopics("r1") {
		if !transport.subscribed(topic) {
			t.Fatalf("expected %s subscribed", topic)
		}
	}
}

func TestRefreshFollowsRoomList(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0), room("r2", 0, t0))
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.WatchRooms(ctx); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	backend.mu.Lock()
	backend.rooms = []Room{room("r1", 0, t0), room("r3", 0, t0)}
	backend.mu.Unlock()

	if err := e.RefreshRooms(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if transport.subscribed("chat.r2") {
		t.Fatal("r2 left the list and should be unsubscribed")
	}
	if !transport.subscribed("chat.r3") {
		t.Fatal("r3 joined the list and should be subscribed")
	}
	if _, ok := e.Store().Room("r2"); ok {
		t.Fatal("r2 should be gone from the store")
	}
}

func TestMalformedEventDropped(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e, metrics := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	transport.deliver("chat.r1", newMessagePayload("m-1", "ok"))
	transport.deliver("chat.r1", `{"content": "no id"}`)
	transport.deliver("chat.r1.pin", `{"messageId": "m-1", "isPinned": "yes"}`)
	transport.deliver("chat.r1.reaction", `garbage`)

	log := e.Store().Log("r1")
	if len(log) != 1 || log[0].Pinned {
		t.Fatalf("malformed events must not touch the log: %+v", log)
	}
	if got := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("malformed")); got != 3 {
		t.Fatalf("expected 3 malformed drops, got %v", got)
	}
}

func TestRecallReactionPinEvents(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	backend.history["r1"] = []Message{msg("m-1", "hello")}
	e, _ := newTestEngine(t, transport, backend)

	if err := e.OpenRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	transport.deliver("chat.r1.reaction", `{"messageId":"m-1","userId":"u1","emoji":"👍","action":"add"}`)
	transport.deliver("chat.r1.reaction", `{"messageId":"m-1","userId":"u1","emoji":"👍","action":"add"}`)
	transport.deliver("chat.r1.pin", `{"messageId":"m-1","isPinned":true}`)
	transport.deliver("chat.r1.recall", `{"messageId":"m-1","recalledAt":"2026-01-01T12:05:00Z"}`)
	transport.deliver("chat.r1.recall", `{"messageId":"m-404"}`)

	m := e.Store().Log("r1")[0]
	if len(m.Reactions) != 2 {
		t.Fatalf("expected two identical reactions, got %v", m.Reactions)
	}
	if !m.Pinned || !m.Recalled || m.Content != "hello" {
		t.Fatalf("unexpected message %+v", m)
	}
	if r, _ := e.Store().Room("r1"); r.UnreadCount != 0 {
		t.Fatal("non-message events never count as unread")
	}
}

// ============================================================================
// History
// ============================================================================

func TestOpenRoomLoadsHistoryOnce(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 3, t0))
	later, earlier := msg("m-2", "b"), msg("m-1", "a")
	later.CreatedAt = t0.Add(time.Minute)
	backend.history["r1"] = []Message{later, earlier}
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.RefreshRooms(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	if got := ids(e.Store().Log("r1")); len(got) != 2 || got[0] != "m-1" {
		t.Fatalf("expected history sorted by time, got %v", got)
	}
	if r, _ := e.Store().Room("r1"); r.UnreadCount != 0 {
		t.Fatal("opening a room marks it read")
	}
	if !e.Focus().IsCurrent("r1") {
		t.Fatal("opening a room focuses it")
	}

	e.CloseRoom("r1")
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if backend.fetchCalls["r1"] != 1 {
		t.Fatalf("expected a single history fetch, got %d", backend.fetchCalls["r1"])
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	t.Run("room closed while fetching", func(t *testing.T) {
		transport := newFakeTransport(true)
		backend := newFakeBackend(room("r1", 0, t0))
		backend.history["r1"] = []Message{msg("m-1", "old")}
		e, metrics := newTestEngine(t, transport, backend)
		backend.onFetch = func(roomID string, call int) {
			e.CloseRoom(roomID)
		}

		if err := e.OpenRoom(context.Background(), "r1"); err != nil {
			t.Fatalf("open room: %v", err)
		}
		if len(e.Store().Log("r1")) != 0 {
			t.Fatal("history of a closed room must not be installed")
		}
		if e.HistoryLoaded("r1") {
			t.Fatal("a discarded fetch does not count as loaded")
		}
		if got := testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("stale_history")); got != 1 {
			t.Fatalf("expected one stale drop, got %v", got)
		}
	})

	t.Run("older response loses to newer", func(t *testing.T) {
		transport := newFakeTransport(true)
		backend := newFakeBackend(room("r1", 0, t0))
		backend.history["r1"] = []Message{msg("m-1", "old")}
		e, _ := newTestEngine(t, transport, backend)

		backend.onFetch = func(roomID string, call int) {
			if call != 1 {
				return
			}
			// A second fetch starts and completes while the first is in flight.
			backend.mu.Lock()
			backend.history["r1"] = []Message{msg("m-1", "old"), msg("m-2", "new")}
			backend.mu.Unlock()
			if err := e.history.refresh(context.Background(), roomID); err != nil {
				t.Errorf("nested refresh: %v", err)
			}
		}

		if err := e.history.refresh(context.Background(), "r1"); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if got := ids(e.Store().Log("r1")); len(got) != 2 {
			t.Fatalf("the newer response must win, got %v", got)
		}
	})
}

func TestReopenAfterDiscardedHistory(t *testing.T) {
	t.Run("fallback resync discarded by close", func(t *testing.T) {
		transport := newFakeTransport(false)
		backend := newFakeBackend(room("r1", 0, t0))
		e, _ := newTestEngine(t, transport, backend)
		ctx := context.Background()

		if err := e.OpenRoom(ctx, "r1"); err != nil {
			t.Fatalf("open room: %v", err)
		}
		backend.onFetch = func(roomID string, call int) {
			if call == 2 {
				e.CloseRoom(roomID)
			}
		}
		if err := e.Send(ctx, "r1", "hello", ""); err != nil {
			t.Fatalf("send: %v", err)
		}
		if countTemps(e.Store().Log("r1")) != 1 {
			t.Fatal("the discarded resync leaves the optimistic entry in place")
		}
		if e.HistoryLoaded("r1") {
			t.Fatal("a discarded resync must mark the room for refetch")
		}

		if err := e.OpenRoom(ctx, "r1"); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if backend.fetchCalls["r1"] != 3 {
			t.Fatalf("expected a refetch on reopen, got %d fetches", backend.fetchCalls["r1"])
		}
		log := e.Store().Log("r1")
		if len(log) != 1 || log[0].ID != "srv-1" || log[0].Content != "hello" {
			t.Fatalf("expected the server message exactly once, got %+v", log)
		}
	})

	t.Run("clear during fetch stays cleared", func(t *testing.T) {
		transport := newFakeTransport(true)
		backend := newFakeBackend(room("r1", 0, t0))
		backend.history["r1"] = []Message{msg("m-1", "a")}
		e, _ := newTestEngine(t, transport, backend)
		ctx := context.Background()

		backend.onFetch = func(roomID string, call int) {
			e.ClearHistory(roomID)
		}
		if err := e.OpenRoom(ctx, "r1"); err != nil {
			t.Fatalf("open room: %v", err)
		}
		backend.onFetch = nil
		e.CloseRoom("r1")
		if err := e.OpenRoom(ctx, "r1"); err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if backend.fetchCalls["r1"] != 1 || len(e.Store().Log("r1")) != 0 {
			t.Fatalf("a cleared log is not refetched, got %d fetches", backend.fetchCalls["r1"])
		}
	})
}

func TestRoomDroppedThenRelisted(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	backend.history["r1"] = []Message{msg("m-1", "a")}
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.WatchRooms(ctx); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	e.CloseRoom("r1")

	backend.mu.Lock()
	backend.rooms = nil
	backend.mu.Unlock()
	if err := e.RefreshRooms(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if e.HistoryLoaded("r1") {
		t.Fatal("a dropped room forgets its history")
	}

	backend.mu.Lock()
	backend.rooms = []Room{room("r1", 0, t0)}
	backend.mu.Unlock()
	if err := e.RefreshRooms(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := ids(e.Store().Log("r1")); len(got) != 1 || got[0] != "m-1" {
		t.Fatalf("expected the history refetched, got %v", got)
	}
	if backend.fetchCalls["r1"] != 2 {
		t.Fatalf("expected 2 fetches, got %d", backend.fetchCalls["r1"])
	}
}

func TestRoomDroppedDuringFetch(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	backend.history["r1"] = []Message{msg("m-1", "a")}
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.RefreshRooms(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	backend.onFetch = func(roomID string, call int) {
		backend.mu.Lock()
		backend.rooms = nil
		backend.mu.Unlock()
		if err := e.RefreshRooms(ctx); err != nil {
			t.Errorf("refresh: %v", err)
		}
	}
	if err := e.Preload(ctx, "r1"); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if e.Store().HasLog("r1") {
		t.Fatal("a fetch for a dropped room must not bring its log back")
	}
}

func TestPreload(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend()
	for _, id := range []string{"r1", "r2", "r3"} {
		backend.history[id] = []Message{msg("m-"+id, id)}
	}
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.Preload(ctx, "r1"); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if err := e.Preload(ctx, "r1", "r2", "r3"); err != nil {
		t.Fatalf("preload: %v", err)
	}
	for _, id := range []string{"r1", "r2", "r3"} {
		if backend.fetchCalls[id] != 1 {
			t.Fatalf("%s: expected one fetch, got %d", id, backend.fetchCalls[id])
		}
		if len(e.Store().Log(id)) != 1 {
			t.Fatalf("%s: expected history in the store", id)
		}
	}

	backend.historyErr = errors.New("unavailable")
	if err := e.Preload(ctx, "r4"); err == nil {
		t.Fatal("expected the fetch error")
	}
}

// ============================================================================
// User actions
// ============================================================================

func TestRecall(t *testing.T) {
	t.Run("forwards to the backend", func(t *testing.T) {
		backend := newFakeBackend()
		e, _ := newTestEngine(t, newFakeTransport(true), backend)
		if err := e.Recall(context.Background(), "r1", "m-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(backend.actions) != 1 || backend.actions[0] != "recall m-1" {
			t.Fatalf("unexpected actions %v", backend.actions)
		}
	})

	t.Run("too late", func(t *testing.T) {
		backend := newFakeBackend()
		backend.actionErr = &APIError{Code: CodeRecallTooLate, Message: "window passed", Status: 400}
		e, _ := newTestEngine(t, newFakeTransport(true), backend)

		err := e.Recall(context.Background(), "r1", "m-1")
		if !errors.Is(err, ErrRecallTooLate) {
			t.Fatalf("expected ErrRecallTooLate, got %v", err)
		}
		if errors.Is(err, ErrOperationFailed) {
			t.Fatal("recall-too-late is its own kind")
		}
		if UserMessage(err) != "This message can no longer be recalled." {
			t.Fatalf("unexpected user message %q", UserMessage(err))
		}
	})

	t.Run("unconfirmed message", func(t *testing.T) {
		backend := newFakeBackend()
		e, _ := newTestEngine(t, newFakeTransport(true), backend)
		if err := e.Recall(context.Background(), "r1", NewTempID()); !errors.Is(err, ErrOperationFailed) {
			t.Fatalf("expected ErrOperationFailed, got %v", err)
		}
		if len(backend.actions) != 0 {
			t.Fatal("backend must not be called for a temporary id")
		}
	})
}

func TestReactAndPin(t *testing.T) {
	backend := newFakeBackend()
	e, _ := newTestEngine(t, newFakeTransport(true), backend)
	ctx := context.Background()

	if err := e.React(ctx, "r1", "m-1", "👍"); err != nil {
		t.Fatalf("react: %v", err)
	}
	if err := e.Unreact(ctx, "r1", "m-1", "👍"); err != nil {
		t.Fatalf("unreact: %v", err)
	}
	if err := e.TogglePin(ctx, "r1", "m-1", true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	want := []string{"react m-1 👍", "unreact m-1 👍", "pin m-1 true"}
	if fmt.Sprint(backend.actions) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, backend.actions)
	}
	if len(e.Store().Log("r1")) != 0 {
		t.Fatal("actions wait for the push event instead of patching locally")
	}

	backend.actionErr = &APIError{Code: "FORBIDDEN", Status: 403}
	if err := e.TogglePin(ctx, "r1", "m-1", false); !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed, got %v", err)
	}
}

func TestClearHistoryAndLeaveRoom(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 2, t0), room("r2", 0, t0))
	backend.history["r1"] = []Message{msg("m-1", "a")}
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.WatchRooms(ctx); err != nil {
		t.Fatalf("watch rooms: %v", err)
	}
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}

	e.ClearHistory("r1")
	if len(e.Store().Log("r1")) != 0 {
		t.Fatal("expected an empty log")
	}
	e.CloseRoom("r1")
	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(e.Store().Log("r1")) != 0 {
		t.Fatal("a cleared history is not refetched on reopen")
	}

	if err := e.LeaveRoom("r1"); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if _, ok := e.Store().Room("r1"); ok || e.Store().HasLog("r1") {
		t.Fatal("room and log should be gone")
	}
	for _, topic := range RoomTopics("r1") {
		if transport.subscribed(topic) {
			t.Fatalf("%s should be unsubscribed", topic)
		}
	}
	if e.Focus().IsCurrent("r1") {
		t.Fatal("focus should be cleared")
	}
	if !transport.subscribed("chat.r2") {
		t.Fatal("other rooms keep their subscriptions")
	}
}

// ============================================================================
// Background work
// ============================================================================

func TestStartStop(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e := NewEngine(nil, transport, backend, Options{RoomRefreshInterval: 5 * time.Millisecond})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !transport.subscribed("chat.r1") {
		t.Fatal("Start should watch the room list")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		n := backend.listCalls
		backend.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected periodic refreshes, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.Stop()

	backend.mu.Lock()
	stopped := backend.listCalls
	backend.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.listCalls != stopped {
		t.Fatal("refreshes continued after Stop")
	}
}

func TestDetailRefreshStopsOnClose(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e := NewEngine(nil, transport, backend, Options{RoomRefreshInterval: -1, DetailRefreshInterval: 5 * time.Millisecond})
	defer e.Stop()

	if err := e.OpenRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		n := backend.fetchCalls["r1"]
		backend.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected periodic history refreshes, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.CloseRoom("r1")
	time.Sleep(10 * time.Millisecond)
	backend.mu.Lock()
	closed := backend.fetchCalls["r1"]
	backend.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.fetchCalls["r1"] != closed {
		t.Fatal("history refreshes continued after CloseRoom")
	}
}

func TestRepairAfterReconnect(t *testing.T) {
	transport := newFakeTransport(true)
	backend := newFakeBackend(room("r1", 0, t0))
	e, _ := newTestEngine(t, transport, backend)
	ctx := context.Background()

	if err := e.OpenRoom(ctx, "r1"); err != nil {
		t.Fatalf("open room: %v", err)
	}
	backend.mu.Lock()
	backend.history["r1"] = []Message{msg("m-9", "missed while offline")}
	backend.mu.Unlock()

	if len(transport.reconnected) != 1 {
		t.Fatalf("expected the engine to register a reconnect hook, got %d", len(transport.reconnected))
	}
	transport.reconnected[0]()

	if backend.listCalls != 1 {
		t.Fatalf("expected a room list refresh, got %d", backend.listCalls)
	}
	if got := ids(e.Store().Log("r1")); len(got) != 1 || got[0] != "m-9" {
		t.Fatalf("expected the open room to be resynced, got %v", got)
	}
}
