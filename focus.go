package chatsync

import "sync"

// FocusTracker records the single room, if any, shown in a detail view.
type FocusTracker struct {
	mu      sync.RWMutex
	current string
}

// SetCurrentRoom focuses roomID. An empty id clears the focus.
func (f *FocusTracker) SetCurrentRoom(roomID string) {
	f.mu.Lock()
	f.current = roomID
	f.mu.Unlock()
}

// Leave clears the focus if it is still on roomID. A late unmount of a room
// the user already switched away from leaves the newer focus alone.
func (f *FocusTracker) Leave(roomID string) {
	f.mu.Lock()
	if f.current == roomID {
		f.current = ""
	}
	f.mu.Unlock()
}

// Current returns the focused room.
func (f *FocusTracker) Current() (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current, f.current != ""
}

// IsCurrent reports whether roomID is the focused room.
func (f *FocusTracker) IsCurrent(roomID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return roomID != "" && f.current == roomID
}
