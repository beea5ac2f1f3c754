// Package chatsync is a client-side real-time chat synchronization engine.
//
// It keeps a local room list and one message log per room in sync with a
// chat server: optimistic sends reconciled against pushed confirmations,
// recall, reaction and pin updates merged into the logs, topic subscriptions
// shared between UI surfaces, and unread counters that respect the room the
// user is looking at.
//
// Example:
//
//	backend := chatsync.NewHTTPBackend(token, chatsync.WithBaseURL(url))
//	transport := chatsync.NewWSTransport(url, &chatsync.TransportConfig{Token: token, AutoReconnect: true})
//	engine := chatsync.NewEngine(nil, transport, backend, chatsync.Options{Identity: me})
//
//	engine.Start(ctx)                          // room list + list subscriptions + periodic repair
//	engine.OpenRoom(ctx, "r1")                 // focus, history, detail subscriptions
//	engine.Send(ctx, "r1", "hello", "")        // optimistic send
//	engine.CloseRoom("r1")
package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Options
// ============================================================================

// ListPolicy selects which topics the room list keeps for every room.
type ListPolicy int

const (
	// ListNewMessages subscribes only to new-message topics, enough for
	// previews and unread counters.
	ListNewMessages ListPolicy = iota
	// ListAllTopics also keeps recall, reaction and pin topics live so logs
	// of rooms not on screen stay current.
	ListAllTopics
)

// Options configures an Engine.
type Options struct {
	Identity Identity
	Logger   *zerolog.Logger
	Metrics  *Metrics

	ListTopics ListPolicy
	// RoomRefreshInterval is the room list repair poll. Zero means 30s,
	// negative disables it.
	RoomRefreshInterval time.Duration
	// DetailRefreshInterval re-fetches the history of every open room.
	// Zero or negative disables it.
	DetailRefreshInterval time.Duration
	// PreloadConcurrency bounds concurrent history fetches in Preload.
	PreloadConcurrency int
}

func (o *Options) defaults() {
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.RoomRefreshInterval == 0 {
		o.RoomRefreshInterval = 30 * time.Second
	}
	if o.PreloadConcurrency <= 0 {
		o.PreloadConcurrency = 4
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the store, focus tracker, subscription manager and send
// coordinator to a transport and a backend.
type Engine struct {
	store     *Store
	focus     *FocusTracker
	subs      *SubscriptionManager
	sender    *SendCoordinator
	history   *historySync
	transport Transport
	backend   Backend
	opts      Options
	log       zerolog.Logger
	metrics   *Metrics

	mu          sync.Mutex
	watching    bool
	detailStops map[string]context.CancelFunc
	stopFn      context.CancelFunc
	wg          sync.WaitGroup
}

// NewEngine creates an engine. A nil store gets a fresh one. transport and
// backend are required.
func NewEngine(store *Store, transport Transport, backend Backend, opts Options) *Engine {
	opts.defaults()
	if store == nil {
		store = NewStore()
	}
	log := *opts.Logger
	history := newHistorySync(store, backend, log.With().Str("component", "history").Logger(), opts.Metrics)

	e := &Engine{
		store:       store,
		focus:       &FocusTracker{},
		subs:        NewSubscriptionManager(transport, log, opts.Metrics),
		history:     history,
		transport:   transport,
		backend:     backend,
		opts:        opts,
		log:         log.With().Str("component", "engine").Logger(),
		metrics:     opts.Metrics,
		detailStops: make(map[string]context.CancelFunc),
	}
	e.sender = &SendCoordinator{
		store:     store,
		transport: transport,
		backend:   backend,
		history:   history,
		identity:  opts.Identity,
		log:       log.With().Str("component", "send").Logger(),
		metrics:   opts.Metrics,
	}

	if r, ok := transport.(interface{ OnReconnected(func()) }); ok {
		r.OnReconnected(e.repair)
	}
	return e
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Focus() *FocusTracker { return e.focus }

func (e *Engine) Subscriptions() *SubscriptionManager { return e.subs }

func (e *Engine) Sender() *SendCoordinator { return e.sender }

func (e *Engine) Identity() Identity { return e.opts.Identity }

// HistoryLoaded reports whether the room's log is settled: its latest history
// fetch was installed, or it was cleared locally since.
func (e *Engine) HistoryLoaded(roomID string) bool { return e.history.isLoaded(roomID) }

func (p ListPolicy) topics(roomID string) []string {
	if p == ListAllTopics {
		return RoomTopics(roomID)
	}
	return []string{TopicFor(roomID, EventNewMessage)}
}

// ── Incoming events ─────────────────────────────────────

// HandleEvent is the Handler registered for every topic. Malformed payloads
// are dropped.
func (e *Engine) HandleEvent(topic string, payload []byte) {
	ev, err := DecodeEvent(topic, payload)
	if err != nil {
		e.metrics.eventDropped("malformed")
		e.log.Warn().Err(err).Str("topic", topic).Msg("Dropping malformed event")
		return
	}
	e.Apply(ev)
}

// Apply merges ev into its room's log. A NEW_MESSAGE that changed the log
// also updates the room's preview and activity time, and counts as unread
// unless the room is focused at this moment. It reports whether anything
// changed.
func (e *Engine) Apply(ev Event) bool {
	changed := e.store.Mutate(ev.RoomID, func(room *Room, log []Message) ([]Message, bool) {
		next, changed := Reconcile(log, ev)
		if !changed {
			return log, false
		}
		if ev.Kind == EventNewMessage && room != nil {
			room.LastMessage = ev.Message.preview()
			if ev.Message.CreatedAt.IsZero() {
				room.LastActivity = now()
			} else {
				room.LastActivity = ev.Message.CreatedAt
			}
			if !e.focus.IsCurrent(ev.RoomID) {
				room.UnreadCount++
			}
		}
		return next, true
	})

	if changed {
		e.metrics.eventApplied(ev.Kind)
	} else {
		e.metrics.eventDropped("noop")
	}
	e.log.Debug().
		Str("room_id", ev.RoomID).
		Str("kind", string(ev.Kind)).
		Bool("changed", changed).
		Msg("Event applied")
	return changed
}

// ── Room list ───────────────────────────────────────────

// RefreshRooms re-fetches the room list. While the list is watched the
// list-level subscriptions follow the new list.
func (e *Engine) RefreshRooms(ctx context.Context) error {
	rooms, err := e.backend.ListRooms(ctx)
	e.metrics.refresh("rooms", err)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	for _, id := range e.store.ReplaceRooms(rooms) {
		e.history.forget(id)
	}

	e.mu.Lock()
	watching := e.watching
	e.mu.Unlock()
	if watching {
		return e.syncListSubscriptions(ctx, rooms)
	}
	return nil
}

// WatchRooms refreshes the room list and keeps list-level subscriptions for
// every listed room for the rest of the session.
func (e *Engine) WatchRooms(ctx context.Context) error {
	e.mu.Lock()
	e.watching = true
	e.mu.Unlock()
	return e.RefreshRooms(ctx)
}

func (e *Engine) syncListSubscriptions(ctx context.Context, rooms []Room) error {
	want := make(map[string]bool)
	for _, r := range rooms {
		for _, t := range e.opts.ListTopics.topics(r.ID) {
			want[t] = true
		}
	}
	for _, t := range e.subs.TopicsOf(HolderList) {
		if !want[t] {
			if err := e.subs.Unsubscribe(HolderList, t); err != nil {
				e.log.Warn().Err(err).Str("topic", t).Msg("List unsubscribe failed")
			}
		}
	}

	var firstErr error
	for _, r := range rooms {
		for _, t := range e.opts.ListTopics.topics(r.ID) {
			if err := e.subs.Subscribe(ctx, HolderList, t, e.HandleEvent); err != nil {
				e.log.Warn().Err(err).Str("topic", t).Msg("List subscribe failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// ── Detail view ─────────────────────────────────────────

// OpenRoom is called when a conversation view mounts: the room becomes the
// focus and is marked read, its four topics are subscribed, and its history
// is fetched once.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	e.focus.SetCurrentRoom(roomID)
	e.store.ResetUnread(roomID)
	e.store.EnsureLog(roomID)

	holder := DetailHolder(roomID)
	for _, t := range RoomTopics(roomID) {
		if err := e.subs.Subscribe(ctx, holder, t, e.HandleEvent); err != nil {
			return fmt.Errorf("open room %s: %w", roomID, err)
		}
	}

	if !e.history.isLoaded(roomID) {
		if err := e.history.refresh(ctx, roomID); err != nil {
			return fmt.Errorf("load history of %s: %w", roomID, err)
		}
	}
	e.startDetailRefresh(roomID)
	return nil
}

// CloseRoom is called when the conversation view unmounts. It drops the
// focus if it is still on the room, stops the room's refresh timer, discards
// in-flight history fetches and releases the detail subscriptions. List
// subscriptions are untouched.
func (e *Engine) CloseRoom(roomID string) error {
	e.focus.Leave(roomID)
	e.stopDetailRefresh(roomID)
	e.history.invalidate(roomID)
	return e.subs.Release(DetailHolder(roomID))
}

func (e *Engine) startDetailRefresh(roomID string) {
	interval := e.opts.DetailRefreshInterval
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	if _, ok := e.detailStops[roomID]; ok {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.detailStops[roomID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.history.refresh(ctx, roomID); err != nil && ctx.Err() == nil {
					e.log.Warn().Err(err).Str("room_id", roomID).Msg("History refresh failed")
				}
			}
		}
	}()
}

func (e *Engine) stopDetailRefresh(roomID string) {
	e.mu.Lock()
	cancel, ok := e.detailStops[roomID]
	delete(e.detailStops, roomID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// ── User actions ────────────────────────────────────────

// Send sends content to roomID through the send coordinator.
func (e *Engine) Send(ctx context.Context, roomID, content, replyToID string) error {
	return e.sender.Send(ctx, roomID, content, replyToID)
}

// Recall asks the server to recall a message. The local log changes when the
// recall event arrives. Messages past the recall window fail with an error
// matching ErrRecallTooLate.
func (e *Engine) Recall(ctx context.Context, roomID, messageID string) error {
	if err := confirmed(messageID); err != nil {
		return err
	}
	if err := e.backend.RecallMessage(ctx, roomID, messageID); err != nil {
		return fmt.Errorf("recall message: %w", err)
	}
	return nil
}

// React adds the user's emoji to a message.
func (e *Engine) React(ctx context.Context, roomID, messageID, emoji string) error {
	if err := confirmed(messageID); err != nil {
		return err
	}
	if err := e.backend.SetReaction(ctx, roomID, messageID, emoji); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// Unreact removes the user's emoji from a message; an empty emoji removes
// all of the user's reactions on it.
func (e *Engine) Unreact(ctx context.Context, roomID, messageID, emoji string) error {
	if err := confirmed(messageID); err != nil {
		return err
	}
	if err := e.backend.ClearReaction(ctx, roomID, messageID, emoji); err != nil {
		return fmt.Errorf("clear reaction: %w", err)
	}
	return nil
}

// TogglePin sets a message's pin flag.
func (e *Engine) TogglePin(ctx context.Context, roomID, messageID string, pinned bool) error {
	if err := confirmed(messageID); err != nil {
		return err
	}
	if err := e.backend.TogglePin(ctx, roomID, messageID, pinned); err != nil {
		return fmt.Errorf("toggle pin: %w", err)
	}
	return nil
}

func confirmed(messageID string) error {
	if messageID == "" || IsTempID(messageID) {
		return fmt.Errorf("%w: message %q is not confirmed", ErrOperationFailed, messageID)
	}
	return nil
}

// MarkRead zeroes the room's unread counter.
func (e *Engine) MarkRead(roomID string) {
	e.store.ResetUnread(roomID)
}

// ClearHistory empties the room's log locally.
func (e *Engine) ClearHistory(roomID string) {
	e.history.settle(roomID)
	e.store.ClearLog(roomID)
}

// LeaveRoom drops the room, its log and every subscription to its topics.
func (e *Engine) LeaveRoom(roomID string) error {
	err := e.CloseRoom(roomID)
	for _, t := range RoomTopics(roomID) {
		if uerr := e.subs.Unsubscribe(HolderList, t); uerr != nil && err == nil {
			err = uerr
		}
	}
	e.history.forget(roomID)
	e.store.RemoveRoom(roomID)
	return err
}

// ── Background work ─────────────────────────────────────

// Preload fetches the histories of rooms never loaded, a bounded number at a
// time. The first failure is returned after all fetches finish.
func (e *Engine) Preload(ctx context.Context, roomIDs ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PreloadConcurrency)
	for _, id := range roomIDs {
		if e.history.isLoaded(id) {
			continue
		}
		g.Go(func() error {
			if err := e.history.refresh(gctx, id); err != nil {
				return fmt.Errorf("preload %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Start watches the room list and keeps repairing it on a fixed interval
// until Stop. The first refresh's error is returned; the loop runs anyway.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopFn != nil {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	e.stopFn = cancel
	e.mu.Unlock()

	err := e.WatchRooms(ctx)

	if interval := e.opts.RoomRefreshInterval; interval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-loopCtx.Done():
					return
				case <-ticker.C:
					if err := e.RefreshRooms(loopCtx); err != nil && loopCtx.Err() == nil {
						e.log.Warn().Err(err).Msg("Room list refresh failed")
					}
				}
			}
		}()
	}
	return err
}

// Stop ends the refresh loops and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopFn != nil {
		e.stopFn()
		e.stopFn = nil
	}
	for id, cancel := range e.detailStops {
		cancel()
		delete(e.detailStops, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// repair re-fetches everything authoritative after a transport reconnect:
// events published while offline are not replayed.
func (e *Engine) repair() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.RefreshRooms(ctx); err != nil {
		e.log.Warn().Err(err).Msg("Room list repair failed")
	}
	e.mu.Lock()
	open := make([]string, 0, len(e.detailStops))
	for id := range e.detailStops {
		open = append(open, id)
	}
	e.mu.Unlock()
	if cur, ok := e.focus.Current(); ok {
		open = append(open, cur)
	}

	seen := make(map[string]bool)
	for _, id := range open {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := e.history.refresh(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("room_id", id).Msg("History repair failed")
		}
	}
}
