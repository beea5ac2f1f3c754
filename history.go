package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// historySync loads room histories into the store. Each fetch takes a
// per-room generation; a response is installed only if no newer fetch was
// started and the room was not invalidated while it was in flight. A fetch
// that fails or is discarded before any later one settled the log marks the
// room as not loaded, so the next open fetches again.
type historySync struct {
	store   *Store
	backend Backend
	log     zerolog.Logger
	metrics *Metrics

	mu        sync.Mutex
	gen       map[string]uint64
	installed map[string]uint64
	loaded    map[string]bool
}

func newHistorySync(store *Store, backend Backend, logger zerolog.Logger, metrics *Metrics) *historySync {
	return &historySync{
		store:   store,
		backend: backend,
		log:     logger,
		metrics: metrics,
		gen:       make(map[string]uint64),
		installed: make(map[string]uint64),
		loaded:    make(map[string]bool),
	}
}

func (h *historySync) begin(roomID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen[roomID]++
	return h.gen[roomID]
}

// refresh fetches the room's history and replaces its log. A stale response
// is discarded without error.
func (h *historySync) refresh(ctx context.Context, roomID string) error {
	gen := h.begin(roomID)
	msgs, err := h.backend.FetchHistory(ctx, roomID)
	h.metrics.refresh("history", err)
	if err != nil {
		h.unsettle(roomID, gen)
		return err
	}

	installed := h.store.replaceLogIf(roomID, msgs, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.gen[roomID] != gen {
			return false
		}
		h.installed[roomID] = gen
		h.loaded[roomID] = true
		return true
	})
	if !installed {
		h.unsettle(roomID, gen)
		h.log.Debug().Str("room_id", roomID).Uint64("gen", gen).Msg("Discarding stale history")
		h.metrics.eventDropped("stale_history")
	}
	return nil
}

// unsettle marks the room as not loaded unless a fetch newer than gen has
// already installed its log.
func (h *historySync) unsettle(roomID string, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.installed[roomID] < gen {
		delete(h.loaded, roomID)
	}
}

// settle makes every in-flight fetch stale and treats the current log as
// authoritative, as after a local clear.
func (h *historySync) settle(roomID string) {
	h.mu.Lock()
	h.gen[roomID]++
	h.installed[roomID] = h.gen[roomID]
	h.loaded[roomID] = true
	h.mu.Unlock()
}

// invalidate makes every in-flight fetch for the room stale.
func (h *historySync) invalidate(roomID string) {
	h.mu.Lock()
	h.gen[roomID]++
	h.mu.Unlock()
}

// forget invalidates the room and marks its history as never loaded.
func (h *historySync) forget(roomID string) {
	h.mu.Lock()
	h.gen[roomID]++
	delete(h.loaded, roomID)
	delete(h.installed, roomID)
	h.mu.Unlock()
}

func (h *historySync) isLoaded(roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded[roomID]
}
