package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// SendCoordinator runs the outgoing message pipeline: optimistic insert,
// transport publish, and on refusal a REST create followed by a full history
// resync of the room.
type SendCoordinator struct {
	store     *Store
	transport Transport
	backend   Backend
	history   *historySync
	identity  Identity
	log       zerolog.Logger
	metrics   *Metrics
}

// Send delivers content to roomID. The optimistic entry is in the log before
// any network call. A transport failure is logged and answered by the REST
// fallback; only a fallback failure is returned. Send does not serialize
// concurrent calls.
func (c *SendCoordinator) Send(ctx context.Context, roomID, content, replyToID string) error {
	text := strings.TrimSpace(content)
	if text == "" {
		return ErrEmptyContent
	}

	created := now()
	temp := Message{
		ID:         NewTempID(),
		RoomID:     roomID,
		SenderID:   c.identity.UserID,
		SenderName: c.identity.DisplayName,
		Content:    text,
		Kind:       MessageText,
		CreatedAt:  created,
		ReplyToID:  replyToID,
	}
	out := OutgoingMessage{
		ClientID:   newClientID(),
		RoomID:     roomID,
		SenderID:   c.identity.UserID,
		SenderName: c.identity.DisplayName,
		Content:    text,
		Kind:       MessageText,
		ReplyToID:  replyToID,
		CreatedAt:  created,
	}
	c.store.AppendMessage(roomID, temp)

	log := c.log.With().
		Str("room_id", roomID).
		Str("message_id", temp.ID).
		Str("client_id", out.ClientID).
		Logger()

	if c.publish(ctx, out, log) {
		c.metrics.send("transport")
		log.Debug().Msg("Published")
		return nil
	}

	if _, err := c.backend.CreateMessage(ctx, out); err != nil {
		c.metrics.send("failed")
		log.Warn().Err(err).Msg("Fallback send failed")
		return fmt.Errorf("create message: %w", err)
	}
	c.metrics.send("fallback")

	// The message exists on the server now; a failed resync only leaves the
	// optimistic entry until the next event or refresh.
	if err := c.history.refresh(ctx, roomID); err != nil {
		log.Warn().Err(err).Msg("Resync after fallback send failed")
	}
	return nil
}

// publish reports whether the transport accepted out. Errors and panics from
// the transport count as not accepted.
func (c *SendCoordinator) publish(ctx context.Context, out OutgoingMessage, log zerolog.Logger) (accepted bool) {
	if c.transport == nil {
		return false
	}
	payload, err := json.Marshal(out)
	if err != nil {
		log.Warn().Err(err).Msg("Encode outgoing message")
		return false
	}

	defer func() {
		if p := recover(); p != nil {
			log.Warn().Interface("panic", p).Msg("Transport publish panicked, falling back")
			accepted = false
		}
	}()
	ok, err := c.transport.Publish(ctx, PublishTopic(out.RoomID), payload)
	if err != nil {
		log.Warn().Err(err).Msg("Transport publish failed, falling back")
		return false
	}
	if !ok {
		log.Debug().Msg("Transport not accepting, falling back")
	}
	return ok
}
