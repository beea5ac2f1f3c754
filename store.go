package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind says which part of the store a Change touched.
type ChangeKind string

const (
	ChangeRooms   ChangeKind = "rooms"
	ChangeRoom    ChangeKind = "room"
	ChangeLog     ChangeKind = "log"
	ChangeRemoved ChangeKind = "removed"
)

// Change is delivered to store listeners after every mutation.
type Change struct {
	Kind   ChangeKind
	RoomID string
}

// ChangeListener receives store changes. It runs on the mutating goroutine
// after the store lock is released.
type ChangeListener func(Change)

type changeEmitter struct {
	mu        sync.RWMutex
	listeners []ChangeListener
}

func (e *changeEmitter) OnChange(l ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *changeEmitter) emit(c Change) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		func() {
			defer func() { recover() }() // a broken listener must not break the mutator
			l(c)
		}()
	}
}

// ============================================================================
// Store
// ============================================================================

// Store is the conversation store: the room list plus one ordered message
// log per room. It is safe for concurrent use; every mutation is atomic.
type Store struct {
	changeEmitter

	mu    sync.RWMutex
	rooms map[string]*Room
	logs  map[string][]Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		rooms: make(map[string]*Room),
		logs:  make(map[string][]Message),
	}
}

// ── Rooms ───────────────────────────────────────────────

// ReplaceRooms installs a freshly fetched room list. Rooms missing from the
// list are removed together with their logs, and their ids are returned.
// Unread counters keep the larger of the local and the server value so counts
// accrued since the last fetch survive.
func (s *Store) ReplaceRooms(rooms []Room) []string {
	s.mu.Lock()
	next := make(map[string]*Room, len(rooms))
	for _, r := range rooms {
		r := r.clone()
		if r.UnreadCount < 0 {
			r.UnreadCount = 0
		}
		if old, ok := s.rooms[r.ID]; ok && old.UnreadCount > r.UnreadCount {
			r.UnreadCount = old.UnreadCount
		}
		next[r.ID] = &r
	}
	var removed []string
	for id := range s.rooms {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
			delete(s.logs, id)
		}
	}
	s.rooms = next
	s.mu.Unlock()

	for _, id := range removed {
		s.emit(Change{Kind: ChangeRemoved, RoomID: id})
	}
	s.emit(Change{Kind: ChangeRooms})
	return removed
}

// Room returns a copy of the room with the given id.
func (s *Store) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return r.clone(), true
}

// Rooms returns all rooms, most recently active first.
func (s *Store) Rooms() []Room {
	s.mu.RLock()
	result := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		result = append(result, r.clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].LastActivity.Equal(result[j].LastActivity) {
			return result[i].LastActivity.After(result[j].LastActivity)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// RemoveRoom drops a room and its log.
func (s *Store) RemoveRoom(id string) {
	s.mu.Lock()
	_, hadRoom := s.rooms[id]
	_, hadLog := s.logs[id]
	delete(s.rooms, id)
	delete(s.logs, id)
	s.mu.Unlock()

	if hadRoom || hadLog {
		s.emit(Change{Kind: ChangeRemoved, RoomID: id})
	}
}

// ResetUnread sets a room's unread counter to zero.
func (s *Store) ResetUnread(id string) {
	s.mu.Lock()
	r, ok := s.rooms[id]
	changed := ok && r.UnreadCount != 0
	if changed {
		r.UnreadCount = 0
	}
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeRoom, RoomID: id})
	}
}

// TotalUnread sums the unread counters of all rooms.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, r := range s.rooms {
		total += r.UnreadCount
	}
	return total
}

// ── Logs ────────────────────────────────────────────────

// EnsureLog creates an empty log for the room if none exists and reports
// whether it did.
func (s *Store) EnsureLog(id string) bool {
	s.mu.Lock()
	_, ok := s.logs[id]
	if !ok {
		s.logs[id] = []Message{}
	}
	s.mu.Unlock()
	return !ok
}

// HasLog reports whether a log exists for the room.
func (s *Store) HasLog(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[id]
	return ok
}

// Log returns a copy of the room's log in log order.
func (s *Store) Log(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[id]
	result := make([]Message, len(log))
	for i := range log {
		result[i] = log[i].clone()
	}
	return result
}

// ReplaceLog installs a bulk-loaded history. The messages are sorted by
// creation time; arrival order only applies to later incremental events.
func (s *Store) ReplaceLog(id string, msgs []Message) {
	log := sortedCopy(msgs)

	s.mu.Lock()
	s.logs[id] = log
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeLog, RoomID: id})
}

// replaceLogIf is ReplaceLog guarded by current, which is evaluated under the
// store lock. It reports whether the log was installed.
func (s *Store) replaceLogIf(id string, msgs []Message, current func() bool) bool {
	log := sortedCopy(msgs)

	s.mu.Lock()
	ok := current()
	if ok {
		s.logs[id] = log
	}
	s.mu.Unlock()
	if ok {
		s.emit(Change{Kind: ChangeLog, RoomID: id})
	}
	return ok
}

func sortedCopy(msgs []Message) []Message {
	log := make([]Message, len(msgs))
	for i := range msgs {
		log[i] = msgs[i].clone()
	}
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].CreatedAt.Before(log[j].CreatedAt)
	})
	return log
}

// AppendMessage appends m at the end of the room's log.
func (s *Store) AppendMessage(id string, m Message) {
	s.mu.Lock()
	s.logs[id] = append(s.logs[id], m.clone())
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeLog, RoomID: id})
}

// ClearLog empties the room's log.
func (s *Store) ClearLog(id string) {
	s.mu.Lock()
	_, ok := s.logs[id]
	if ok {
		s.logs[id] = []Message{}
	}
	s.mu.Unlock()
	if ok {
		s.emit(Change{Kind: ChangeLog, RoomID: id})
	}
}

// Mutate runs fn on the room (nil when the room is not listed) and its log
// under the store lock, creating the log if needed. fn returns the new log
// and whether anything changed; listeners are only notified on change.
func (s *Store) Mutate(id string, fn func(room *Room, log []Message) ([]Message, bool)) bool {
	s.mu.Lock()
	log, ok := s.logs[id]
	if !ok {
		log = []Message{}
		s.logs[id] = log
	}
	room := s.rooms[id]
	next, changed := fn(room, log)
	if changed {
		s.logs[id] = next
	}
	s.mu.Unlock()

	if changed {
		s.emit(Change{Kind: ChangeLog, RoomID: id})
		if room != nil {
			s.emit(Change{Kind: ChangeRoom, RoomID: id})
		}
	}
	return changed
}
