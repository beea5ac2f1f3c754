package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Rooms
// ============================================================================

// RoomKind distinguishes one-to-one rooms from group rooms.
type RoomKind string

const (
	RoomPrivate RoomKind = "PRIVATE"
	RoomGroup   RoomKind = "GROUP"
)

// Room is one entry of the room list.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Avatar       string    `json:"avatar,omitempty"`
	Kind         RoomKind  `json:"type"`
	Participants []string  `json:"participants,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	LastActivity time.Time `json:"lastActivityAt"`
}

func (r Room) clone() Room {
	if r.Participants != nil {
		r.Participants = append([]string(nil), r.Participants...)
	}
	return r
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "TEXT"
	MessageImage MessageKind = "IMAGE"
	MessageFile  MessageKind = "FILE"
)

// Reaction is a single (user, emoji) pair attached to a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one entry of a room's log. ID is either a server id or a
// temporary id (see IsTempID).
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"type"`
	CreatedAt  time.Time   `json:"createdAt"`
	ReplyToID  string      `json:"replyToId,omitempty"`
	ReadBy     []string    `json:"readBy,omitempty"`
	Reactions  []Reaction  `json:"reactions,omitempty"`
	Recalled   bool        `json:"recalled"`
	RecalledAt *time.Time  `json:"recalledAt,omitempty"`
	Pinned     bool        `json:"pinned"`
}

// IsTemporary reports whether the message is an unconfirmed optimistic entry.
func (m *Message) IsTemporary() bool {
	return IsTempID(m.ID)
}

func (m Message) clone() Message {
	if m.ReadBy != nil {
		m.ReadBy = append([]string(nil), m.ReadBy...)
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.RecalledAt != nil {
		at := *m.RecalledAt
		m.RecalledAt = &at
	}
	return m
}

// preview is the one-line text shown in the room list.
func (m *Message) preview() string {
	switch m.Kind {
	case MessageImage:
		return "[image]"
	case MessageFile:
		return "[file]"
	}
	return m.Content
}

// Identity is the local user as seen by other participants.
type Identity struct {
	UserID      string `json:"userId" toml:"user_id"`
	DisplayName string `json:"displayName" toml:"display_name"`
}

// OutgoingMessage is the body published to the transport and, on fallback,
// posted to the message-creation endpoint.
type OutgoingMessage struct {
	ClientID   string      `json:"clientId"`
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName,omitempty"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"type"`
	ReplyToID  string      `json:"replyToId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ============================================================================
// Response envelope
// ============================================================================

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
