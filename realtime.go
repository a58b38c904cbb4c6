package waveline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// envelope is the wire format for server-to-client events. The envelope
// type doubles as the logical channel name.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// command is the wire format for client-to-server frames.
type command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
}

type chatSendPayload struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// subscribeChannels are the logical channels joined on every (re)connect.
var subscribeChannels = []string{kindMessage, kindReadReceipt, kindNotification, kindError}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the realtime channel.
type ChannelConfig struct {
	BaseURL              string
	ReconnectDelay       time.Duration // delay between reconnect attempts
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 = retry until Disconnect
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	Logger               *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector paces reconnect attempts: a fixed base delay with a little
// jitter so a fleet of clients does not stampede the backend after an
// outage.
type reconnector struct {
	delay       time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ChannelConfig) *reconnector {
	return &reconnector{
		delay:       cfg.ReconnectDelay,
		maxDelay:    cfg.MaxReconnectDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.attempt++
	jitter := time.Duration(rand.Float64() * float64(r.delay) * 0.5)
	delay := r.delay + jitter
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel
// ============================================================================

// Channel owns the persistent bidirectional connection to the chat backend:
// connect, authenticate, subscribe, publish, and reconnect with a bounded
// delay. Inbound frames are handed to the Dispatcher in delivery order.
type Channel struct {
	cfg   ChannelConfig
	disp  *Dispatcher
	log   *slog.Logger
	recon *reconnector

	mu      sync.Mutex
	state   ConnState
	conn    *websocket.Conn
	token   string
	closed  bool
	running bool
	cancel  context.CancelFunc
}

// NewChannel creates a realtime channel that feeds disp. Call Connect to
// establish the connection.
func NewChannel(cfg ChannelConfig, disp *Dispatcher) *Channel {
	cfg.defaults()
	return &Channel{
		cfg:   cfg,
		disp:  disp,
		log:   cfg.Logger,
		recon: newReconnector(&cfg),
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (ch *Channel) State() ConnState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect establishes the connection using the given bearer token. It
// returns immediately; the outcome is observable through the
// connection-state stream, and failures self-heal via reconnection. Calling
// Connect while connecting or connected is a no-op.
func (ch *Channel) Connect(ctx context.Context, token string) {
	ch.mu.Lock()
	if ch.state != StateDisconnected || ch.running {
		ch.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch.cancel = cancel
	ch.closed = false
	ch.running = true
	ch.token = token
	ch.state = StateConnecting
	ch.mu.Unlock()

	ch.recon.reset()
	ch.disp.dispatchConnState(StateConnecting)
	go ch.maintain(runCtx)
}

// Disconnect tears the connection down and stops reconnection. Idempotent;
// this is the only way to reach a terminal disconnected state.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	ch.closed = true
	cancel := ch.cancel
	ch.cancel = nil
	conn := ch.conn
	ch.conn = nil
	wasDisconnected := ch.state == StateDisconnected
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !wasDisconnected {
		ch.disp.dispatchConnState(StateDisconnected)
	}
}

// Publish sends a chat message envelope to the given user. The channel must
// be connected; otherwise ErrNotConnected is returned synchronously and
// nothing is sent.
func (ch *Channel) Publish(receiverID int64, content string) error {
	ch.mu.Lock()
	conn := ch.conn
	state := ch.state
	ch.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	cmd := command{
		Type:      "chat.send",
		Payload:   chatSendPayload{ReceiverID: receiverID, Content: content},
		RequestID: uuid.NewString(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), ch.cfg.WriteTimeout)
	defer cancel()
	if err := writeJSON(ctx, conn, cmd); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (ch *Channel) maintain(ctx context.Context) {
	defer func() {
		ch.mu.Lock()
		ch.running = false
		ch.mu.Unlock()
	}()

	for {
		conn, err := ch.dial(ctx)
		if err != nil {
			ch.log.Warn("realtime connect failed", "err", err)
			ch.transition(StateDisconnected)
			if ctx.Err() != nil || !ch.retryWait(ctx) {
				return
			}
			ch.transition(StateConnecting)
			continue
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		ch.conn = conn
		ch.mu.Unlock()

		ch.recon.markConnected()
		ch.transition(StateConnected)

		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go ch.heartbeatLoop(hbCtx, conn)
		err = ch.readLoop(ctx, conn)
		stopHeartbeat()

		ch.mu.Lock()
		ch.conn = nil
		closed := ch.closed
		ch.mu.Unlock()

		if closed {
			return
		}
		ch.log.Warn("realtime connection lost", "err", err)
		ch.transition(StateDisconnected)
		if ctx.Err() != nil || !ch.retryWait(ctx) {
			return
		}
		ch.transition(StateConnecting)
	}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(ch.cfg.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	ch.mu.Lock()
	token := ch.token
	ch.mu.Unlock()
	wsURL += "/ws/chat?token=" + url.QueryEscape(token)

	dialCtx, cancel := context.WithTimeout(ctx, ch.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the auth acknowledgement.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth ack: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got %q", env.Type)
	}

	// Re-subscribe to every logical channel before the connected signal, so
	// no event stream is silently missing after a reconnect.
	for _, channel := range subscribeChannels {
		cmd := command{Type: "subscribe", Payload: subscribePayload{Channel: channel}}
		if err := writeJSON(dialCtx, conn, cmd); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}
	return conn, nil
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.log.Debug("dropping malformed realtime frame", "err", err)
			continue
		}
		ch.route(env)
	}
}

func (ch *Channel) route(env envelope) {
	switch env.Type {
	case kindMessage:
		var ev MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			ch.log.Debug("dropping malformed message event", "err", err)
			return
		}
		ch.disp.dispatchMessage(ev)
	case kindReadReceipt:
		var ev ReadReceiptEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			ch.log.Debug("dropping malformed read receipt", "err", err)
			return
		}
		ch.disp.dispatchReadReceipt(ev)
	case kindNotification:
		ch.disp.dispatchNotification(NotificationEvent{Raw: env.Payload})
	case kindError:
		var ev ErrorEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			ch.log.Debug("dropping malformed error event", "err", err)
			return
		}
		ch.log.Warn("server error event", "code", ev.Code, "message", ev.Message)
		ch.disp.dispatchError(ev)
	default:
		ch.log.Debug("unknown realtime event", "type", env.Type)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ch.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Half-open connection; force the read loop to notice.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// retryWait sleeps until the next reconnect attempt is due. It returns
// false when the channel was closed, the context ended, or the attempt
// budget ran out.
func (ch *Channel) retryWait(ctx context.Context) bool {
	if !ch.recon.shouldReconnect() {
		ch.log.Warn("realtime reconnect attempts exhausted")
		return false
	}
	delay := ch.recon.nextDelay()
	ch.log.Info("realtime reconnecting", "attempt", ch.recon.attempt, "delay", delay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	return !closed
}

// transition flips the connection state and announces it. Once the channel
// is closed only the disconnected state may be announced.
func (ch *Channel) transition(s ConnState) {
	ch.mu.Lock()
	if ch.closed && s != StateDisconnected {
		ch.mu.Unlock()
		return
	}
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.mu.Unlock()
	ch.disp.dispatchConnState(s)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
