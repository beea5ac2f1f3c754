package chatsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

// EventKind tags an Event. Every event carries exactly one kind.
type EventKind string

const (
	EventNewMessage EventKind = "NEW_MESSAGE"
	EventRecall     EventKind = "RECALL"
	EventReaction   EventKind = "REACTION_DELTA"
	EventPin        EventKind = "PIN_TOGGLE"
)

// ReactionAction is the effective operation of a REACTION_DELTA event.
type ReactionAction string

const (
	ReactionAdd       ReactionAction = "add"
	ReactionRemove    ReactionAction = "remove"
	ReactionRemoveAll ReactionAction = "removeAll"
)

// Event is one incremental update for a room's log. Which fields are
// meaningful depends on Kind.
type Event struct {
	Kind   EventKind
	RoomID string

	// NEW_MESSAGE
	Message *Message

	// RECALL, REACTION_DELTA, PIN_TOGGLE
	MessageID string

	// RECALL; nil means "now" at apply time.
	RecalledAt *time.Time

	// REACTION_DELTA
	UserID string
	Emoji  string
	Action ReactionAction

	// PIN_TOGGLE
	Pinned bool
}

// NewMessageEvent builds a NEW_MESSAGE event.
func NewMessageEvent(m Message) Event {
	return Event{Kind: EventNewMessage, RoomID: m.RoomID, Message: &m}
}

// RecallEvent builds a RECALL event.
func RecallEvent(roomID, messageID string, at *time.Time) Event {
	return Event{Kind: EventRecall, RoomID: roomID, MessageID: messageID, RecalledAt: at}
}

// ReactionEvent builds a REACTION_DELTA event with an explicit action.
func ReactionEvent(roomID, messageID, userID, emoji string, action ReactionAction) Event {
	return Event{Kind: EventReaction, RoomID: roomID, MessageID: messageID, UserID: userID, Emoji: emoji, Action: action}
}

// PinEvent builds a PIN_TOGGLE event.
func PinEvent(roomID, messageID string, pinned bool) Event {
	return Event{Kind: EventPin, RoomID: roomID, MessageID: messageID, Pinned: pinned}
}

// ============================================================================
// Topics
// ============================================================================

const topicPrefix = "chat."

var topicSuffixes = map[EventKind]string{
	EventNewMessage: "",
	EventRecall:     ".recall",
	EventReaction:   ".reaction",
	EventPin:        ".pin",
}

// eventKinds is the fixed order of a room's topics.
var eventKinds = []EventKind{EventNewMessage, EventRecall, EventReaction, EventPin}

// TopicFor returns the push topic carrying events of kind for roomID.
func TopicFor(roomID string, kind EventKind) string {
	return topicPrefix + roomID + topicSuffixes[kind]
}

// RoomTopics returns the four topics of a room.
func RoomTopics(roomID string) []string {
	topics := make([]string, 0, len(eventKinds))
	for _, k := range eventKinds {
		topics = append(topics, TopicFor(roomID, k))
	}
	return topics
}

// PublishTopic is the destination outgoing messages are published to.
func PublishTopic(roomID string) string {
	return topicPrefix + roomID + ".send"
}

// ParseTopic splits a topic into its room id and event kind.
func ParseTopic(topic string) (roomID string, kind EventKind, ok bool) {
	rest, found := strings.CutPrefix(topic, topicPrefix)
	if !found || rest == "" {
		return "", "", false
	}
	for _, k := range []EventKind{EventRecall, EventReaction, EventPin} {
		if id, cut := strings.CutSuffix(rest, topicSuffixes[k]); cut && id != "" {
			return id, k, true
		}
	}
	return rest, EventNewMessage, true
}

// ============================================================================
// Wire payloads
// ============================================================================

// wireTime accepts RFC 3339 strings, zone-less local timestamps and epoch
// milliseconds.
type wireTime struct{ time.Time }

var wireLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return malformed("timestamp %s", b)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return malformed("timestamp %s", b)
	}
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	for _, layout := range wireLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return malformed("timestamp %q", s)
}

func (t *wireTime) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type wireMessage struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"roomId"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	Content    string     `json:"content"`
	Type       string     `json:"type"`
	CreatedAt  wireTime   `json:"createdAt"`
	ReplyToID  string     `json:"replyToId"`
	ReadBy     []string   `json:"readBy"`
	Reactions  []Reaction `json:"reactions"`
	Recalled   bool       `json:"recalled"`
	RecalledAt *wireTime  `json:"recalledAt"`
	Pinned     bool       `json:"isPinned"`
}

func (w *wireMessage) toMessage(roomID string) Message {
	m := Message{
		ID:         w.ID,
		RoomID:     w.RoomID,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		Content:    w.Content,
		Kind:       MessageKind(strings.ToUpper(w.Type)),
		CreatedAt:  w.CreatedAt.Time,
		ReplyToID:  w.ReplyToID,
		ReadBy:     w.ReadBy,
		Reactions:  w.Reactions,
		Recalled:   w.Recalled,
		RecalledAt: w.RecalledAt.ptr(),
		Pinned:     w.Pinned,
	}
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	return m
}

type recallPayload struct {
	MessageID  string    `json:"messageId"`
	RecalledAt *wireTime `json:"recalledAt"`
}

type reactionPayload struct {
	MessageID string  `json:"messageId"`
	UserID    string  `json:"userId"`
	Emoji     *string `json:"emoji"`
	Action    string  `json:"action"`
}

type pinPayload struct {
	MessageID string `json:"messageId"`
	IsPinned  *bool  `json:"isPinned"`
}

// DecodeEvent turns a raw payload received on topic into a tagged Event.
// Any error wraps ErrMalformedEvent.
func DecodeEvent(topic string, payload []byte) (Event, error) {
	roomID, kind, ok := ParseTopic(topic)
	if !ok {
		return Event{}, malformed("unknown topic %q", topic)
	}

	switch kind {
	case EventNewMessage:
		var w wireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return Event{}, malformed("message: %v", err)
		}
		if w.ID == "" || IsTempID(w.ID) {
			return Event{}, malformed("message without server id")
		}
		ev := NewMessageEvent(w.toMessage(roomID))
		ev.RoomID = roomID
		return ev, nil

	case EventRecall:
		var p recallPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, malformed("recall: %v", err)
		}
		if p.MessageID == "" {
			return Event{}, malformed("recall without messageId")
		}
		return RecallEvent(roomID, p.MessageID, p.RecalledAt.ptr()), nil

	case EventReaction:
		var p reactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, malformed("reaction: %v", err)
		}
		if p.MessageID == "" || p.UserID == "" {
			return Event{}, malformed("reaction without messageId or userId")
		}
		action, emoji, err := normalizeReaction(p)
		if err != nil {
			return Event{}, err
		}
		return ReactionEvent(roomID, p.MessageID, p.UserID, emoji, action), nil

	case EventPin:
		var p pinPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, malformed("pin: %v", err)
		}
		if p.MessageID == "" || p.IsPinned == nil {
			return Event{}, malformed("pin without messageId or isPinned")
		}
		return PinEvent(roomID, p.MessageID, *p.IsPinned), nil
	}
	return Event{}, malformed("unhandled topic %q", topic)
}

// normalizeReaction is the single adapter for reaction payloads that predate
// the action field: an emoji means add, no emoji means remove all of the
// user's reactions.
func normalizeReaction(p reactionPayload) (ReactionAction, string, error) {
	emoji := ""
	if p.Emoji != nil {
		emoji = *p.Emoji
	}
	switch ReactionAction(p.Action) {
	case ReactionAdd, ReactionRemove:
		if emoji == "" {
			return "", "", malformed("reaction %s without emoji", p.Action)
		}
		return ReactionAction(p.Action), emoji, nil
	case ReactionRemoveAll:
		return ReactionRemoveAll, "", nil
	case "":
		if emoji != "" {
			return ReactionAdd, emoji, nil
		}
		return ReactionRemoveAll, "", nil
	}
	return "", "", malformed("unknown reaction action %q", p.Action)
}
