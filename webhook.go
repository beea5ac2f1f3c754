package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Signature
// ============================================================================

// VerifySignature checks an HMAC-SHA256 signature of body, with or without
// the "sha256=" prefix. The comparison is constant time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := Sign(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport is a push-only Transport fed by signed HTTP callbacks.
// Each POST carries one TopicFrame ({"topic": ..., "body": ...}).
type WebhookTransport struct {
	secret string
	log    zerolog.Logger
	router *topicRouter
}

// NewWebhookTransport creates a webhook transport. The secret is required.
func NewWebhookTransport(secret string, logger zerolog.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	log := logger.With().Str("component", "webhook").Logger()
	return &WebhookTransport{
		secret: secret,
		log:    log,
		router: newTopicRouter(log),
	}, nil
}

// Activate is a no-op; the caller mounts HTTPHandler on its own server.
func (w *WebhookTransport) Activate(ctx context.Context) error { return nil }

// Subscribe routes topic to h.
func (w *WebhookTransport) Subscribe(topic string, h Handler) error {
	w.router.set(topic, h)
	return nil
}

// Unsubscribe stops routing topic.
func (w *WebhookTransport) Unsubscribe(topic string) error {
	w.router.remove(topic)
	return nil
}

// Publish never accepts.
func (w *WebhookTransport) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	return false, nil
}

// Verify checks body against signature with the transport's secret.
func (w *WebhookTransport) Verify(body, signature string) bool {
	return VerifySignature(body, signature, w.secret)
}

// ParseFrame decodes a webhook body.
func ParseFrame(body string) (*TopicFrame, error) {
	var frame TopicFrame
	if err := json.Unmarshal([]byte(body), &frame); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if frame.Topic == "" {
		return nil, fmt.Errorf("missing topic in webhook body")
	}
	if len(frame.Body) == 0 {
		return nil, fmt.Errorf("missing body in webhook frame")
	}
	return &frame, nil
}

// Handle verifies, parses and dispatches one webhook request. It returns the
// status code and response body for the caller to write. Frames for topics
// nobody subscribed to are acknowledged and dropped.
func (w *WebhookTransport) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	frame, err := ParseFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := w.router.dispatch(frame.Topic, frame.Body)
	if !delivered {
		w.log.Debug().Str("topic", frame.Topic).Msg("No handler for topic")
	}
	return http.StatusOK, map[string]bool{"ok": true, "delivered": delivered}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookTransport("secret", logger)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *WebhookTransport) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
