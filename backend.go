package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Backend contract
// ============================================================================

// Backend is the request/response collaborator: the authoritative room list
// and history, plus the user actions the engine forwards.
type Backend interface {
	ListRooms(ctx context.Context) ([]Room, error)
	FetchHistory(ctx context.Context, roomID string) ([]Message, error)
	CreateMessage(ctx context.Context, msg OutgoingMessage) (*Message, error)
	RecallMessage(ctx context.Context, roomID, messageID string) error
	SetReaction(ctx context.Context, roomID, messageID, emoji string) error
	ClearReaction(ctx context.Context, roomID, messageID, emoji string) error
	TogglePin(ctx context.Context, roomID, messageID string, pinned bool) error
}

const (
	DefaultBaseURL      = "http://localhost:8080"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

// ============================================================================
// HTTPBackend
// ============================================================================

// HTTPBackend implements Backend over the JSON REST API. Every call is
// bearer-token authenticated; a token refresh interceptor can be installed
// through WithHTTPClient.
type HTTPBackend struct {
	baseURL      string
	historyLimit int
	httpClient   *http.Client
	limiter      *rate.Limiter
	log          zerolog.Logger

	mu    sync.RWMutex
	token string
}

type BackendOption func(*HTTPBackend)

func WithBaseURL(url string) BackendOption {
	return func(b *HTTPBackend) { b.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) BackendOption {
	return func(b *HTTPBackend) { b.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) BackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) BackendOption {
	return func(b *HTTPBackend) { b.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

func WithHistoryLimit(n int) BackendOption {
	return func(b *HTTPBackend) { b.historyLimit = n }
}

func WithLogger(logger zerolog.Logger) BackendOption {
	return func(b *HTTPBackend) { b.log = logger }
}

// NewHTTPBackend creates a REST backend authenticated with token.
func NewHTTPBackend(token string, opts ...BackendOption) *HTTPBackend {
	b := &HTTPBackend{
		token:        token,
		baseURL:      DefaultBaseURL,
		historyLimit: DefaultHistoryLimit,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("component", "backend").Logger()
	return b
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (b *HTTPBackend) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// BaseURL returns the API root the backend talks to.
func (b *HTTPBackend) BaseURL() string {
	return b.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (b *HTTPBackend) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit: %w", ErrOperationFailed, err)
		}
	}

	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.mu.RLock()
	token := b.token
	b.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrOperationFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrOperationFailed, err)
	}
	b.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Request done")

	var result Result
	if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 400 {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %w", ErrOperationFailed, err)
	}
	if resp.StatusCode >= 400 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return &result, nil
}

func roomPath(roomID string, rest ...string) string {
	p := "/api/rooms/" + url.PathEscape(roomID)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ============================================================================
// Wire types
// ============================================================================

type wireRoom struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Avatar       string          `json:"avatar"`
	Type         string          `json:"type"`
	Participants []string        `json:"participants"`
	LastMessage  json.RawMessage `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	LastActivity wireTime        `json:"lastActivityAt"`
}

// toRoom accepts lastMessage either as a preview string or as a full
// message object.
func (w *wireRoom) toRoom() Room {
	r := Room{
		ID:           w.ID,
		Name:         w.Name,
		Avatar:       w.Avatar,
		Kind:         RoomKind(strings.ToUpper(w.Type)),
		Participants: w.Participants,
		UnreadCount:  w.UnreadCount,
		LastActivity: w.LastActivity.Time,
	}
	if r.Kind == "" {
		r.Kind = RoomPrivate
	}
	if len(w.LastMessage) > 0 {
		var s string
		if json.Unmarshal(w.LastMessage, &s) == nil {
			r.LastMessage = s
		} else {
			var wm wireMessage
			if json.Unmarshal(w.LastMessage, &wm) == nil {
				m := wm.toMessage(w.ID)
				r.LastMessage = m.preview()
				if r.LastActivity.IsZero() {
					r.LastActivity = m.CreatedAt
				}
			}
		}
	}
	return r
}

// ============================================================================
// Backend methods
// ============================================================================

// ListRooms fetches the room list.
func (b *HTTPBackend) ListRooms(ctx context.Context) ([]Room, error) {
	res, err := b.doRequest(ctx, http.MethodGet, "/api/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	var wire []wireRoom
	if err := res.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode rooms: %w", ErrOperationFailed, err)
	}
	rooms := make([]Room, 0, len(wire))
	for i := range wire {
		if wire[i].ID == "" {
			continue
		}
		rooms = append(rooms, wire[i].toRoom())
	}
	return rooms, nil
}

// FetchHistory fetches the most recent messages of a room. Order is not
// guaranteed; the store sorts them on load.
func (b *HTTPBackend) FetchHistory(ctx context.Context, roomID string) ([]Message, error) {
	query := map[string]string{}
	if b.historyLimit > 0 {
		query["limit"] = strconv.Itoa(b.historyLimit)
	}
	res, err := b.doRequest(ctx, http.MethodGet, roomPath(roomID, "messages"), nil, query)
	if err != nil {
		return nil, err
	}
	var wire []wireMessage
	if err := res.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode history: %w", ErrOperationFailed, err)
	}
	msgs := make([]Message, 0, len(wire))
	for i := range wire {
		if wire[i].ID == "" {
			continue
		}
		msgs = append(msgs, wire[i].toMessage(roomID))
	}
	return msgs, nil
}

// CreateMessage posts a message through the request/response path.
func (b *HTTPBackend) CreateMessage(ctx context.Context, msg OutgoingMessage) (*Message, error) {
	res, err := b.doRequest(ctx, http.MethodPost, roomPath(msg.RoomID, "messages"), msg, nil)
	if err != nil {
		return nil, err
	}
	var wire wireMessage
	if err := res.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: decode message: %w", ErrOperationFailed, err)
	}
	if wire.ID == "" {
		return nil, nil
	}
	m := wire.toMessage(msg.RoomID)
	return &m, nil
}

// RecallMessage asks the server to recall a message. A message past the
// recall window yields an error matching ErrRecallTooLate.
func (b *HTTPBackend) RecallMessage(ctx context.Context, roomID, messageID string) error {
	_, err := b.doRequest(ctx, http.MethodPost, roomPath(roomID, "messages", messageID, "recall"), nil, nil)
	return err
}

// SetReaction adds the caller's emoji reaction.
func (b *HTTPBackend) SetReaction(ctx context.Context, roomID, messageID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	_, err := b.doRequest(ctx, http.MethodPut, roomPath(roomID, "messages", messageID, "reactions"), body, nil)
	return err
}

// ClearReaction removes the caller's emoji reaction. An empty emoji removes
// all of the caller's reactions on the message.
func (b *HTTPBackend) ClearReaction(ctx context.Context, roomID, messageID, emoji string) error {
	var query map[string]string
	if emoji != "" {
		query = map[string]string{"emoji": emoji}
	}
	_, err := b.doRequest(ctx, http.MethodDelete, roomPath(roomID, "messages", messageID, "reactions"), nil, query)
	return err
}

// TogglePin sets the pin flag of a message.
func (b *HTTPBackend) TogglePin(ctx context.Context, roomID, messageID string, pinned bool) error {
	body := map[string]bool{"isPinned": pinned}
	_, err := b.doRequest(ctx, http.MethodPut, roomPath(roomID, "messages", messageID, "pin"), body, nil)
	return err
}
