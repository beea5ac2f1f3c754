package chatsync

import "time"

// now is the clock used for recalls that carry no timestamp.
var now = time.Now

// Apply merges one event into a room's log and returns the resulting log.
// The input slice and its messages are never modified.
func Apply(log []Message, ev Event) []Message {
	next, _ := Reconcile(log, ev)
	return next
}

// Reconcile is Apply that also reports whether the log changed. Events that
// reference a message missing from the log, duplicate deliveries and events
// of unknown kind return the input log and false.
func Reconcile(log []Message, ev Event) ([]Message, bool) {
	switch ev.Kind {
	case EventNewMessage:
		return applyNewMessage(log, ev.Message)
	case EventRecall:
		return updateMessage(log, ev.MessageID, func(m *Message) bool {
			if m.Recalled && (ev.RecalledAt == nil || timeEqual(m.RecalledAt, ev.RecalledAt)) {
				return false
			}
			at := now()
			if ev.RecalledAt != nil {
				at = *ev.RecalledAt
			}
			m.Recalled = true
			m.RecalledAt = &at
			return true
		})
	case EventReaction:
		return updateMessage(log, ev.MessageID, func(m *Message) bool {
			before := len(m.Reactions)
			m.Reactions = applyReaction(m.Reactions, ev.UserID, ev.Emoji, ev.Action)
			return len(m.Reactions) != before
		})
	case EventPin:
		return updateMessage(log, ev.MessageID, func(m *Message) bool {
			if m.Pinned == ev.Pinned {
				return false
			}
			m.Pinned = ev.Pinned
			return true
		})
	}
	return log, false
}

// applyNewMessage appends msg unless the log already holds its server id.
// Every temporary entry is dropped: a confirmed message means any in-flight
// optimistic send has either landed or been superseded.
func applyNewMessage(log []Message, msg *Message) ([]Message, bool) {
	if msg == nil || msg.ID == "" {
		return log, false
	}
	if indexOf(log, msg.ID) >= 0 {
		return log, false
	}

	next := make([]Message, 0, len(log)+1)
	for _, m := range log {
		if m.IsTemporary() {
			continue
		}
		next = append(next, m)
	}
	if !msg.IsTemporary() {
		next = append(next, msg.clone())
	}
	return next, true
}

// updateMessage applies fn to a copy of the message with the given id. The
// input log is returned as is when fn reports no change.
func updateMessage(log []Message, id string, fn func(*Message) bool) ([]Message, bool) {
	i := indexOf(log, id)
	if i < 0 {
		return log, false
	}
	m := log[i].clone()
	if !fn(&m) {
		return log, false
	}
	next := append([]Message(nil), log...)
	next[i] = m
	return next, true
}

func timeEqual(a, b *time.Time) bool {
	return a != nil && b != nil && a.Equal(*b)
}

// applyReaction never de-duplicates on add: two identical add events leave
// two identical pairs.
func applyReaction(reactions []Reaction, userID, emoji string, action ReactionAction) []Reaction {
	switch action {
	case ReactionAdd:
		return append(reactions, Reaction{UserID: userID, Emoji: emoji})
	case ReactionRemove:
		return filterReactions(reactions, func(r Reaction) bool {
			return r.UserID == userID && r.Emoji == emoji
		})
	case ReactionRemoveAll:
		return filterReactions(reactions, func(r Reaction) bool {
			return r.UserID == userID
		})
	}
	return reactions
}

func filterReactions(reactions []Reaction, drop func(Reaction) bool) []Reaction {
	kept := reactions[:0]
	for _, r := range reactions {
		if !drop(r) {
			kept = append(kept, r)
		}
	}
	return kept
}

func indexOf(log []Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}
