package waveline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// newChatServer runs a websocket endpoint at /ws/chat. session is invoked
// once per accepted connection with a 1-based connection counter, so tests
// can script different behavior for the first and later connections.
func newChatServer(t *testing.T, session func(ctx context.Context, n int, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	count := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		session(r.Context(), n, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// serveHandshake plays the server side of the connect sequence: auth ack
// first, then the four channel subscriptions.
func serveHandshake(ctx context.Context, t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := writeJSON(ctx, conn, envelope{Type: "authenticated"}); err != nil {
		t.Errorf("write auth ack: %v", err)
		return
	}
	for i := 0; i < len(subscribeChannels); i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read subscribe %d: %v", i, err)
			return
		}
		var cmd struct {
			Type    string           `json:"type"`
			Payload subscribePayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "subscribe" {
			t.Errorf("expected subscribe frame, got %s", data)
			return
		}
	}
}

func testChannelConfig(baseURL string) ChannelConfig {
	return ChannelConfig{
		BaseURL:        baseURL,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func stateChan(d *Dispatcher) <-chan ConnState {
	states := make(chan ConnState, 32)
	d.OnConnState(func(s ConnState) { states <- s })
	return states
}

func waitState(t *testing.T, states <-chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

func TestPublishBeforeConnect(t *testing.T) {
	ch := NewChannel(ChannelConfig{BaseURL: "http://127.0.0.1:0"}, NewDispatcher(nil))
	err := ch.Publish(9, "too early")
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestChannelLifecycle(t *testing.T) {
	inbound := envelope{
		Type:    kindMessage,
		Payload: json.RawMessage(`{"conversationId":42,"message":{"id":1,"senderId":7,"receiverId":1,"content":"hi"}}`),
	}

	srv := newChatServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		serveHandshake(ctx, t, conn)
		if err := writeJSON(ctx, conn, inbound); err != nil {
			return
		}
		if err := writeJSON(ctx, conn, envelope{Type: kindError, Payload: json.RawMessage(`{"code":"RATE_LIMIT","message":"slow down"}`)}); err != nil {
			return
		}
		// Hold the connection until the client hangs up.
		conn.Read(ctx)
	})

	d := NewDispatcher(nil)
	states := stateChan(d)
	messages := make(chan MessageEvent, 1)
	d.OnMessage(func(ev MessageEvent) { messages <- ev })
	errs := make(chan ErrorEvent, 1)
	d.OnError(func(ev ErrorEvent) { errs <- ev })

	ch := NewChannel(testChannelConfig(srv.URL), d)
	ch.Connect(context.Background(), "test-token")
	t.Cleanup(ch.Disconnect)

	waitState(t, states, StateConnecting)
	waitState(t, states, StateConnected)
	assert.Equal(t, StateConnected, ch.State())

	// Connecting twice must not spawn a second session.
	ch.Connect(context.Background(), "test-token")

	select {
	case ev := <-messages:
		assert.Equal(t, int64(42), ev.ConversationID)
		assert.Equal(t, "hi", ev.Message.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message event")
	}

	select {
	case ev := <-errs:
		assert.Equal(t, "RATE_LIMIT", ev.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}

	ch.Disconnect()
	waitState(t, states, StateDisconnected)
	assert.Equal(t, StateDisconnected, ch.State())

	ch.Disconnect() // idempotent
	require.ErrorIs(t, ch.Publish(9, "after disconnect"), ErrNotConnected)
}

func TestPublishFrame(t *testing.T) {
	type sendFrame struct {
		Type      string          `json:"type"`
		Payload   chatSendPayload `json:"payload"`
		RequestID string          `json:"requestId"`
	}
	frames := make(chan sendFrame, 1)

	srv := newChatServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		serveHandshake(ctx, t, conn)
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f sendFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Errorf("malformed send frame: %s", data)
			return
		}
		frames <- f
		conn.Read(ctx)
	})

	d := NewDispatcher(nil)
	states := stateChan(d)
	ch := NewChannel(testChannelConfig(srv.URL), d)
	ch.Connect(context.Background(), "test-token")
	t.Cleanup(ch.Disconnect)
	waitState(t, states, StateConnected)

	require.NoError(t, ch.Publish(9, "hello there"))

	select {
	case f := <-frames:
		assert.Equal(t, "chat.send", f.Type)
		assert.Equal(t, int64(9), f.Payload.ReceiverID)
		assert.Equal(t, "hello there", f.Payload.Content)
		assert.NotEmpty(t, f.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for send frame")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		serveHandshake(ctx, t, conn)
		if n == 1 {
			// Simulate a backend restart right after connect.
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		conn.Read(ctx)
	})

	d := NewDispatcher(nil)
	states := stateChan(d)
	ch := NewChannel(testChannelConfig(srv.URL), d)
	ch.Connect(context.Background(), "test-token")
	t.Cleanup(ch.Disconnect)

	// Every subscription is re-established on the second connect, or
	// serveHandshake would have failed the test.
	waitState(t, states, StateConnected)
	waitState(t, states, StateDisconnected)
	waitState(t, states, StateConnecting)
	waitState(t, states, StateConnected)
}

func TestReconnectAttemptBudget(t *testing.T) {
	// The endpoint refuses the upgrade, so every dial fails fast.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no upgrade here", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	d := NewDispatcher(nil)
	states := stateChan(d)
	cfg := testChannelConfig(srv.URL)
	cfg.MaxReconnectAttempts = 2
	ch := NewChannel(cfg, d)
	ch.Connect(context.Background(), "test-token")
	t.Cleanup(ch.Disconnect)

	waitState(t, states, StateConnecting)
	waitState(t, states, StateDisconnected)

	// The budget is spent quickly; the channel must come to rest
	// disconnected and stay there.
	require.Eventually(t, func() bool {
		return ch.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestRejectedAuthAckTriggersRetry(t *testing.T) {
	srv := newChatServer(t, func(ctx context.Context, n int, conn *websocket.Conn) {
		if n == 1 {
			writeJSON(ctx, conn, envelope{Type: "error"})
			return
		}
		serveHandshake(ctx, t, conn)
		conn.Read(ctx)
	})

	d := NewDispatcher(nil)
	states := stateChan(d)
	ch := NewChannel(testChannelConfig(srv.URL), d)
	ch.Connect(context.Background(), "test-token")
	t.Cleanup(ch.Disconnect)

	// First session never authenticates; the channel retries and lands on
	// the second, well-behaved session.
	waitState(t, states, StateConnected)
}
