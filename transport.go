package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport contract
// ============================================================================

// Handler receives the raw payload of one event delivered on topic.
type Handler func(topic string, payload []byte)

// Transport is the bidirectional push channel the engine runs on.
type Transport interface {
	// Activate establishes the underlying connection. Calling it while
	// connected is a no-op.
	Activate(ctx context.Context) error
	// Subscribe routes events on topic to h, replacing any previous handler.
	Subscribe(topic string, h Handler) error
	// Unsubscribe stops routing events on topic.
	Unsubscribe(topic string) error
	// Publish hands payload to the transport. true means accepted for
	// transmission, never delivered or persisted.
	Publish(ctx context.Context, topic string, payload []byte) (bool, error)
}

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// TopicFrame is the payload of "event" and "publish" frames.
type TopicFrame struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

type serverError struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures the WebSocket and SSE transports.
type TransportConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// TransportState is the connection state of a transport.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateReconnecting TransportState = "reconnecting"
)

// ============================================================================
// Topic router
// ============================================================================

type topicRouter struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      zerolog.Logger
}

func newTopicRouter(log zerolog.Logger) *topicRouter {
	return &topicRouter{handlers: make(map[string]Handler), log: log}
}

func (r *topicRouter) set(topic string, h Handler) {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
}

func (r *topicRouter) remove(topic string) {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
}

func (r *topicRouter) topics() []string {
	r.mu.RLock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	r.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// dispatch runs the topic's handler on the calling goroutine so events of
// one topic are handled in arrival order.
func (r *topicRouter) dispatch(topic string, body []byte) bool {
	r.mu.RLock()
	h, ok := r.handlers[topic]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("topic", topic).Interface("panic", p).Msg("Topic handler panicked")
		}
	}()
	h(topic, body)
	return true
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay grows exponentially with jitter. A connection that stayed up for
// a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket topic transport with auto-reconnect and
// heartbeat. Topics are resubscribed after every reconnect.
type WSTransport struct {
	baseURL string
	config  *TransportConfig
	log     zerolog.Logger
	router  *topicRouter
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc
	onReconnected    []func()

	requestCounter atomic.Uint64
	pendingMu      sync.Mutex
	pendingPings   map[string]chan pongPayload
}

// NewWSTransport creates a WebSocket transport for the server at baseURL.
// Call Activate to connect.
func NewWSTransport(baseURL string, config *TransportConfig) *WSTransport {
	cfg := TransportConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "ws").Logger()
	return &WSTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          log,
		router:       newTopicRouter(log),
		recon:        newReconnector(&cfg),
		state:        StateDisconnected,
		pendingPings: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (ws *WSTransport) State() TransportState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// OnReconnected registers a callback run after every successful reconnect.
func (ws *WSTransport) OnReconnected(fn func()) {
	ws.mu.Lock()
	ws.onReconnected = append(ws.onReconnected, fn)
	ws.mu.Unlock()
}

// Activate connects unless already connected, connecting or reconnecting.
func (ws *WSTransport) Activate(ctx context.Context) error {
	return ws.connect(ctx)
}

func (ws *WSTransport) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSTransport) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func (ws *WSTransport) dial(ctx context.Context) error {
	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, ws.wsURL(), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The server greets with "authenticated" before anything else.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Info().Str("url", ws.wsURL()).Msg("Connected")

	for _, topic := range ws.router.topics() {
		if err := ws.send(ctx, &Command{Type: "subscribe", Payload: map[string]string{"topic": topic}}); err != nil {
			ws.log.Warn().Err(err).Str("topic", topic).Msg("Failed to resubscribe")
		}
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Close shuts the connection down and disables reconnects.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.recon.reset()
	ws.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers h for topic and, when connected, tells the server.
func (ws *WSTransport) Subscribe(topic string, h Handler) error {
	ws.router.set(topic, h)
	if ws.currentConn() == nil {
		return nil
	}
	return ws.send(context.Background(), &Command{Type: "subscribe", Payload: map[string]string{"topic": topic}})
}

// Unsubscribe removes the handler for topic and, when connected, tells the
// server.
func (ws *WSTransport) Unsubscribe(topic string) error {
	ws.router.remove(topic)
	if ws.currentConn() == nil {
		return nil
	}
	return ws.send(context.Background(), &Command{Type: "unsubscribe", Payload: map[string]string{"topic": topic}})
}

// Publish writes payload to topic. It reports false without an error when
// there is no connection.
func (ws *WSTransport) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	if ws.currentConn() == nil {
		return false, nil
	}
	err := ws.send(ctx, &Command{
		Type:      "publish",
		Payload:   TopicFrame{Topic: topic, Body: payload},
		RequestID: ws.nextRequestID("pub"),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ping sends a ping and waits for the matching pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	requestID := ws.nextRequestID("ping")

	ch := make(chan pongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.send(ctx, &Command{Type: "ping", Payload: map[string]string{"requestId": requestID}}); err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSTransport) send(ctx context.Context, cmd *Command) error {
	conn := ws.currentConn()
	if conn == nil {
		return ErrTransportUnavailable
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) currentConn() *websocket.Conn {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conn
}

func (ws *WSTransport) setState(s TransportState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *WSTransport) nextRequestID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, ws.requestCounter.Add(1))
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional && ws.conn == conn {
				ws.conn = nil
				ws.state = StateDisconnected
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.log.Warn().Err(err).Msg("Connection lost")
			if ws.config.AutoReconnect {
				ws.reconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug().Int("bytes", len(data)).Msg("Dropping unparseable frame")
			continue
		}

		switch env.Type {
		case "event":
			var frame TopicFrame
			if err := json.Unmarshal(env.Payload, &frame); err != nil || frame.Topic == "" {
				ws.log.Debug().Msg("Dropping event frame without topic")
				continue
			}
			if !ws.router.dispatch(frame.Topic, frame.Body) {
				ws.log.Debug().Str("topic", frame.Topic).Msg("No handler for topic")
			}
		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "error":
			var p serverError
			_ = json.Unmarshal(env.Payload, &p)
			ws.log.Warn().Str("message", p.Message).Msg("Server reported error")
		}
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				// Force the read loop to notice; it owns reconnecting.
				ws.log.Warn().Err(err).Msg("Heartbeat failed")
				if conn := ws.currentConn(); conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) reconnect() {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.log.Info().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("Reconnecting")
		time.Sleep(delay)

		ws.mu.Lock()
		closed := ws.intentionalClose
		ws.mu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			ws.mu.Lock()
			callbacks := append([]func(){}, ws.onReconnected...)
			ws.mu.Unlock()
			for _, fn := range callbacks {
				go fn()
			}
			return
		}
		ws.log.Warn().Err(err).Msg("Reconnect attempt failed")
	}
	ws.log.Error().Msg("Giving up reconnecting")
	ws.setState(StateDisconnected)
}

func (ws *WSTransport) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport receives topic events over server-sent events. It is push
// only: Publish never accepts, which sends the engine down the REST path.
type SSETransport struct {
	baseURL string
	config  *TransportConfig
	log     zerolog.Logger
	router  *topicRouter
	recon   *reconnector

	mu               sync.Mutex
	state            TransportState
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
	onReconnected    []func()
}

// NewSSETransport creates an SSE transport for the server at baseURL.
func NewSSETransport(baseURL string, config *TransportConfig) *SSETransport {
	cfg := TransportConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "sse").Logger()
	return &SSETransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     log,
		router:  newTopicRouter(log),
		recon:   newReconnector(&cfg),
		state:   StateDisconnected,
	}
}

// State returns the current connection state.
func (sse *SSETransport) State() TransportState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// OnReconnected registers a callback run after every successful reconnect.
func (sse *SSETransport) OnReconnected(fn func()) {
	sse.mu.Lock()
	sse.onReconnected = append(sse.onReconnected, fn)
	sse.mu.Unlock()
}

// Activate opens the event stream unless it is already open.
func (sse *SSETransport) Activate(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state != StateDisconnected {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()

	if err := sse.open(ctx); err != nil {
		sse.mu.Lock()
		sse.state = StateDisconnected
		sse.mu.Unlock()
		return err
	}
	return nil
}

func (sse *SSETransport) open(ctx context.Context) error {
	// The stream outlives ctx; ctx only bounds the handshake.
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, sse.baseURL+"/sse", nil)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	stopped := stop()
	if err != nil {
		cancel()
		return fmt.Errorf("SSE connect: %w", err)
	}
	if !stopped {
		resp.Body.Close()
		cancel()
		return ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.log.Info().Msg("Event stream open")

	go sse.readLoop(connCtx, resp)
	go sse.watchdog(connCtx, cancel)
	return nil
}

// Close ends the stream and disables reconnects.
func (sse *SSETransport) Close() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.state = StateDisconnected
	sse.mu.Unlock()
	sse.recon.reset()
	return nil
}

// Subscribe routes topic to h. The server already streams every topic of
// the authenticated user, so nothing is sent.
func (sse *SSETransport) Subscribe(topic string, h Handler) error {
	sse.router.set(topic, h)
	return nil
}

// Unsubscribe stops routing topic.
func (sse *SSETransport) Unsubscribe(topic string) error {
	sse.router.remove(topic)
	return nil
}

// Publish never accepts.
func (sse *SSETransport) Publish(ctx context.Context, topic string, payload []byte) (bool, error) {
	return false, nil
}

func (sse *SSETransport) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		jsonStr, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env Envelope
		if json.Unmarshal([]byte(jsonStr), &env) != nil || env.Type != "event" {
			continue
		}
		var frame TopicFrame
		if json.Unmarshal(env.Payload, &frame) != nil || frame.Topic == "" {
			continue
		}
		sse.router.dispatch(frame.Topic, frame.Body)
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if !intentional {
		sse.state = StateDisconnected
		sse.cancelFn = nil
	}
	sse.mu.Unlock()
	if intentional {
		return
	}

	sse.log.Warn().Msg("Event stream ended")
	if sse.config.AutoReconnect {
		sse.reconnect()
	}
}

func (sse *SSETransport) watchdog(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 45*time.Second
			sse.mu.Unlock()
			if stale {
				sse.log.Warn().Msg("Event stream went quiet, dropping it")
				cancel()
				return
			}
		}
	}
}

func (sse *SSETransport) reconnect() {
	for sse.recon.shouldReconnect() {
		delay := sse.recon.nextDelay()
		sse.mu.Lock()
		if sse.intentionalClose {
			sse.mu.Unlock()
			return
		}
		sse.state = StateReconnecting
		sse.mu.Unlock()

		sse.log.Info().Int("attempt", sse.recon.attempt).Dur("delay", delay).Msg("Reconnecting")
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sse.open(ctx)
		cancel()
		if err == nil {
			sse.mu.Lock()
			callbacks := append([]func(){}, sse.onReconnected...)
			sse.mu.Unlock()
			for _, fn := range callbacks {
				go fn()
			}
			return
		}
		sse.log.Warn().Err(err).Msg("Reconnect attempt failed")
	}
	sse.mu.Lock()
	sse.state = StateDisconnected
	sse.mu.Unlock()
}
