package waveline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// Collaborator Interfaces
// ============================================================================

// Gateway is the REST surface the store drives. *Client implements it.
type Gateway interface {
	Conversations(ctx context.Context, page, size int) (*ConversationPage, error)
	Messages(ctx context.Context, conversationID int64, page, size int) (*MessagePage, error)
	MarkRead(ctx context.Context, conversationID int64) error
	UnreadCount(ctx context.Context) (int, error)
}

// Publisher is the outbound half of the realtime channel. *Channel
// implements it.
type Publisher interface {
	Publish(receiverID int64, content string) error
}

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative client-side model of the user's conversations:
// the conversation list, per-conversation message sequences, the active
// selection, the connection flag, and the unread total. UI code reads
// through the selectors and writes through the command methods; the only
// other writers are the inbound event handlers registered via Bind.
//
// Construct one store per authenticated session and tear it down with Close
// on logout. REST failures are logged and leave prior state intact, so a
// transient network blip never blanks the screen.
type Store struct {
	gateway Gateway
	pub     Publisher
	log     *slog.Logger

	pageSize int

	mu            sync.Mutex
	conversations []*Conversation
	messages      map[int64][]Message
	active        *Conversation
	connected     bool
	unreadTotal   int

	subs []*Subscription
}

type StoreOption func(*Store)

func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithPageSize sets the page size used for conversation and history
// fetches.
func WithPageSize(size int) StoreOption {
	return func(s *Store) { s.pageSize = size }
}

// NewStore wires a store to its collaborators. Call Bind to register the
// inbound event handlers before connecting the channel.
func NewStore(gw Gateway, pub Publisher, opts ...StoreOption) *Store {
	s := &Store{
		gateway:  gw,
		pub:      pub,
		log:      discardLogger(),
		pageSize: 50,
		messages: make(map[int64][]Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind registers the store's inbound handlers on the dispatcher. Binding is
// idempotent: a second call replaces the previous registrations, so repeated
// connect cycles never accumulate duplicate handlers (duplicates would mean
// duplicate message appends).
func (s *Store) Bind(d *Dispatcher) {
	s.Unbind()
	s.mu.Lock()
	s.subs = []*Subscription{
		d.OnMessage(s.handleMessage),
		d.OnReadReceipt(s.handleReadReceipt),
		d.OnConnState(s.handleConnState),
		d.OnError(s.handleChannelError),
	}
	s.mu.Unlock()
}

// Unbind removes the store's dispatcher registrations.
func (s *Store) Unbind() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Close tears the store down: handlers are unregistered and all local state
// is dropped. The store must not be reused afterwards.
func (s *Store) Close() {
	s.Unbind()
	s.mu.Lock()
	s.conversations = nil
	s.messages = make(map[int64][]Message)
	s.active = nil
	s.connected = false
	s.unreadTotal = 0
	s.mu.Unlock()
}

// ============================================================================
// Commands
// ============================================================================

// FetchConversations replaces the conversation list with the server's
// current page. Server truth supersedes stale local unread adjustments; an
// unmaterialized active placeholder is the one local entry carried over,
// since the server cannot know it yet. Prior state is kept on failure.
func (s *Store) FetchConversations(ctx context.Context) error {
	page, err := s.gateway.Conversations(ctx, 0, s.pageSize)
	if err != nil {
		s.log.Error("fetch conversations failed", "err", err)
		return fmt.Errorf("fetch conversations: %w", err)
	}

	s.mu.Lock()
	list := make([]*Conversation, 0, len(page.Items))
	for i := range page.Items {
		conv := page.Items[i]
		list = append(list, &conv)
	}
	s.conversations = list
	s.relinkActiveLocked()
	s.mu.Unlock()
	return nil
}

// FetchMessages replaces the local message sequence for the conversation
// with the server's history. Prior state is kept on failure. The cache is
// keyed by conversation id, not by active status, so a fetch completing
// after a deselection is harmless.
func (s *Store) FetchMessages(ctx context.Context, conversationID int64) error {
	page, err := s.gateway.Messages(ctx, conversationID, 0, s.pageSize)
	if err != nil {
		s.log.Error("fetch messages failed", "conversation", conversationID, "err", err)
		return fmt.Errorf("fetch messages: %w", err)
	}

	s.mu.Lock()
	s.messages[conversationID] = append([]Message{}, page.Items...)
	s.mu.Unlock()
	return nil
}

// Select makes conv the active conversation; nil clears the selection.
// Selecting a materialized conversation loads its history and marks it
// read.
func (s *Store) Select(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	if conv == nil {
		s.active = nil
		s.mu.Unlock()
		return nil
	}
	canonical := s.findLocked(conv)
	if canonical == nil {
		canonical = conv
	}
	s.active = canonical
	materialized := !canonical.Placeholder()
	id := canonical.ID
	s.mu.Unlock()

	if !materialized {
		return nil
	}
	if err := s.FetchMessages(ctx, id); err != nil {
		return err
	}
	return s.MarkRead(ctx, id)
}

// SendMessage publishes a chat message to receiverID over the realtime
// channel. The message is not appended locally; it arrives back through the
// inbound event path once the server persists it. A channel that is not
// connected surfaces as ErrNotConnected.
func (s *Store) SendMessage(receiverID int64, content string) error {
	if err := s.pub.Publish(receiverID, content); err != nil {
		s.log.Warn("send message failed", "receiver", receiverID, "err", err)
		return err
	}
	return nil
}

// OpenChatWithUser selects the conversation with the given user, creating a
// placeholder (ID 0) when none exists. A placeholder has no history to
// load; its id and history arrive with the first confirmed message.
func (s *Store) OpenChatWithUser(ctx context.Context, userID int64, name, avatar string) error {
	s.mu.Lock()
	for _, c := range s.conversations {
		if c.OtherUserID == userID {
			s.mu.Unlock()
			return s.Select(ctx, c)
		}
	}
	conv := &Conversation{
		OtherUserID:     userID,
		OtherUserName:   name,
		OtherUserAvatar: avatar,
	}
	s.conversations = append(s.conversations, conv)
	s.active = conv
	s.mu.Unlock()
	return nil
}

// MarkRead acknowledges the conversation as read, then refreshes the unread
// total and the conversation list so every counter reflects server truth.
func (s *Store) MarkRead(ctx context.Context, conversationID int64) error {
	if err := s.gateway.MarkRead(ctx, conversationID); err != nil {
		s.log.Error("mark read failed", "conversation", conversationID, "err", err)
		return fmt.Errorf("mark read: %w", err)
	}

	s.mu.Lock()
	for _, c := range s.conversations {
		if c.ID == conversationID {
			c.UnreadCount = 0
		}
	}
	s.mu.Unlock()

	s.refreshUnreadTotal(ctx)
	return s.FetchConversations(ctx)
}

// ============================================================================
// Selectors
// ============================================================================

// Conversations returns a snapshot of the conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out
}

// MessagesFor returns a snapshot of the message sequence for the
// conversation, in arrival order.
func (s *Store) MessagesFor(conversationID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.messages[conversationID]...)
}

// Active returns the active conversation, if any.
func (s *Store) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Conversation{}, false
	}
	return *s.active, true
}

// Connected reports the realtime channel state as last announced.
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// UnreadTotal returns the total unread count as last fetched.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadTotal
}

// ============================================================================
// Inbound event handlers
// ============================================================================

// handleMessage appends an incoming message and reconciles the active
// placeholder with the server-confirmed conversation identity.
func (s *Store) handleMessage(ev MessageEvent) {
	ctx := context.Background()

	s.mu.Lock()
	s.messages[ev.ConversationID] = append(s.messages[ev.ConversationID], ev.Message)

	promoted := false
	if s.active != nil && s.active.Placeholder() &&
		(s.active.OtherUserID == ev.Message.SenderID || s.active.OtherUserID == ev.Message.ReceiverID) {
		// The backend assigned an id to the conversation we opened locally.
		// Promote the same object in place; never create a second entry.
		s.active.ID = ev.ConversationID
		promoted = true
	}
	isActive := s.active != nil && s.active.ID == ev.ConversationID
	s.mu.Unlock()

	if promoted {
		// The first reply can land before our own send is even
		// acknowledged; pull the full history now that the id is known.
		if err := s.FetchMessages(ctx, ev.ConversationID); err != nil {
			s.log.Error("history fetch after promotion failed", "conversation", ev.ConversationID, "err", err)
		}
	}

	if err := s.FetchConversations(ctx); err != nil {
		s.log.Error("conversation refresh failed", "err", err)
	}

	if isActive {
		// Reading the open conversation immediately avoids unread flicker.
		if err := s.MarkRead(ctx, ev.ConversationID); err != nil {
			s.log.Error("mark read after message failed", "conversation", ev.ConversationID, "err", err)
		}
	} else {
		s.refreshUnreadTotal(ctx)
	}
}

// handleReadReceipt marks every loaded message of the named conversation as
// read. Messages of other conversations are untouched.
func (s *Store) handleReadReceipt(ev ReadReceiptEvent) {
	s.mu.Lock()
	msgs := s.messages[ev.ConversationID]
	for i := range msgs {
		msgs[i].Read = true
	}
	s.mu.Unlock()
}

// handleConnState tracks the channel state. A fresh connection may have
// missed offline-period updates, so reaching connected refreshes the
// conversation list and unread count -- once per reconnect, not once per
// retry attempt.
func (s *Store) handleConnState(state ConnState) {
	s.mu.Lock()
	was := s.connected
	s.connected = state == StateConnected
	now := s.connected
	s.mu.Unlock()

	if now && !was {
		ctx := context.Background()
		if err := s.FetchConversations(ctx); err != nil {
			s.log.Error("conversation refresh on connect failed", "err", err)
		}
		s.refreshUnreadTotal(ctx)
	}
}

func (s *Store) handleChannelError(ev ErrorEvent) {
	s.log.Warn("chat backend reported error", "code", ev.Code, "message", ev.Message)
}

// ============================================================================
// Internals
// ============================================================================

func (s *Store) refreshUnreadTotal(ctx context.Context) {
	count, err := s.gateway.UnreadCount(ctx)
	if err != nil {
		s.log.Error("unread count refresh failed", "err", err)
		return
	}
	s.mu.Lock()
	s.unreadTotal = count
	s.mu.Unlock()
}

// findLocked resolves a caller-supplied conversation value to the store's
// canonical object: by id when materialized, by the other participant while
// still a placeholder.
func (s *Store) findLocked(conv *Conversation) *Conversation {
	for _, c := range s.conversations {
		if !conv.Placeholder() && c.ID == conv.ID {
			return c
		}
		if conv.Placeholder() && c.Placeholder() && c.OtherUserID == conv.OtherUserID {
			return c
		}
	}
	return nil
}

// relinkActiveLocked re-points the active selection at the freshly fetched
// list. An active placeholder unknown to the server is re-appended so the
// list never loses it; if the server materialized it in the meantime, the
// server entry is adopted. Ensures at most one entry per otherUserId.
func (s *Store) relinkActiveLocked() {
	if s.active == nil {
		return
	}
	if s.active.Placeholder() {
		for _, c := range s.conversations {
			if c.OtherUserID == s.active.OtherUserID {
				s.active = c
				return
			}
		}
		s.conversations = append(s.conversations, s.active)
		return
	}
	for _, c := range s.conversations {
		if c.ID == s.active.ID {
			s.active = c
			return
		}
	}
	// Active conversation fell off the current page; keep the selection but
	// leave the list as the server returned it.
}
