package waveline

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// MessageEvent is delivered on the incoming-message channel when a message
// involving the authenticated user is persisted.
type MessageEvent struct {
	ConversationID int64   `json:"conversationId"`
	Message        Message `json:"message"`
}

// ReadReceiptEvent is delivered when the other participant reads a
// conversation.
type ReadReceiptEvent struct {
	ConversationID int64 `json:"conversationId"`
}

// NotificationEvent carries a platform notification. The payload is opaque
// to the chat core; notification UI decodes it.
type NotificationEvent struct {
	Raw json.RawMessage
}

// ErrorEvent is a server-side error pushed over the realtime channel.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ConnState is the realtime channel's connection state. It is owned solely
// by the Channel and surfaced read-only everywhere else.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Event kind names, also used as wire envelope types.
const (
	kindMessage      = "message.received"
	kindReadReceipt  = "read.receipt"
	kindNotification = "notification"
	kindError        = "error"
	kindConnState    = "connection.state"
)

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher fans the Channel's raw event streams out to registered
// handlers. Handlers for one event run synchronously in registration order,
// on the channel's read goroutine, so consumers observe events exactly in
// delivery order. A panicking handler is isolated and logged; the remaining
// handlers for the same event still run.
type Dispatcher struct {
	mu     sync.Mutex
	log    *slog.Logger
	nextID uint64

	onMessage      []*Subscription
	onReadReceipt  []*Subscription
	onNotification []*Subscription
	onError        []*Subscription
	onConnState    []*Subscription
}

// NewDispatcher creates a dispatcher. log may be nil.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = discardLogger()
	}
	return &Dispatcher{log: log}
}

// Subscription is a registration token. Unsubscribe removes exactly the
// registration it was returned from, which keeps repeated register cycles
// from accumulating duplicate handlers.
type Subscription struct {
	d    *Dispatcher
	id   uint64
	kind string
	fn   any
}

// Unsubscribe removes the registration. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.remove(s.kind, s.id)
}

// OnMessage registers a handler for incoming chat messages.
func (d *Dispatcher) OnMessage(h func(MessageEvent)) *Subscription {
	return d.add(kindMessage, &d.onMessage, h)
}

// OnReadReceipt registers a handler for read receipts.
func (d *Dispatcher) OnReadReceipt(h func(ReadReceiptEvent)) *Subscription {
	return d.add(kindReadReceipt, &d.onReadReceipt, h)
}

// OnNotification registers a handler for platform notifications.
func (d *Dispatcher) OnNotification(h func(NotificationEvent)) *Subscription {
	return d.add(kindNotification, &d.onNotification, h)
}

// OnError registers a handler for server-pushed errors.
func (d *Dispatcher) OnError(h func(ErrorEvent)) *Subscription {
	return d.add(kindError, &d.onError, h)
}

// OnConnState registers a handler for connection-state transitions.
func (d *Dispatcher) OnConnState(h func(ConnState)) *Subscription {
	return d.add(kindConnState, &d.onConnState, h)
}

// ClearAll removes every registration of every kind. Call it on full store
// teardown before a fresh session is wired up.
func (d *Dispatcher) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = nil
	d.onReadReceipt = nil
	d.onNotification = nil
	d.onError = nil
	d.onConnState = nil
}

func (d *Dispatcher) add(kind string, list *[]*Subscription, fn any) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{d: d, id: d.nextID, kind: kind, fn: fn}
	*list = append(*list, sub)
	return sub
}

func (d *Dispatcher) remove(kind string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var list *[]*Subscription
	switch kind {
	case kindMessage:
		list = &d.onMessage
	case kindReadReceipt:
		list = &d.onReadReceipt
	case kindNotification:
		list = &d.onNotification
	case kindError:
		list = &d.onError
	case kindConnState:
		list = &d.onConnState
	default:
		return
	}

	for i, sub := range *list {
		if sub.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// snapshot copies the registration list for a kind so handlers run without
// holding the dispatcher lock.
func (d *Dispatcher) snapshot(kind string) []*Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case kindMessage:
		return append([]*Subscription{}, d.onMessage...)
	case kindReadReceipt:
		return append([]*Subscription{}, d.onReadReceipt...)
	case kindNotification:
		return append([]*Subscription{}, d.onNotification...)
	case kindError:
		return append([]*Subscription{}, d.onError...)
	case kindConnState:
		return append([]*Subscription{}, d.onConnState...)
	}
	return nil
}

func (d *Dispatcher) dispatchMessage(ev MessageEvent) {
	for _, sub := range d.snapshot(kindMessage) {
		d.invoke(kindMessage, func() { sub.fn.(func(MessageEvent))(ev) })
	}
}

func (d *Dispatcher) dispatchReadReceipt(ev ReadReceiptEvent) {
	for _, sub := range d.snapshot(kindReadReceipt) {
		d.invoke(kindReadReceipt, func() { sub.fn.(func(ReadReceiptEvent))(ev) })
	}
}

func (d *Dispatcher) dispatchNotification(ev NotificationEvent) {
	for _, sub := range d.snapshot(kindNotification) {
		d.invoke(kindNotification, func() { sub.fn.(func(NotificationEvent))(ev) })
	}
}

func (d *Dispatcher) dispatchError(ev ErrorEvent) {
	for _, sub := range d.snapshot(kindError) {
		d.invoke(kindError, func() { sub.fn.(func(ErrorEvent))(ev) })
	}
}

func (d *Dispatcher) dispatchConnState(state ConnState) {
	for _, sub := range d.snapshot(kindConnState) {
		d.invoke(kindConnState, func() { sub.fn.(func(ConnState))(state) })
	}
}

// invoke runs a single handler, containing any panic so the remaining
// handlers and the read loop keep going.
func (d *Dispatcher) invoke(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", "kind", kind, "panic", r)
		}
	}()
	fn()
}
