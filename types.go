package waveline

import "time"

// ============================================================================
// Domain Types
// ============================================================================

// Conversation is one entry of the user's conversation list. A conversation
// created locally via Store.OpenChatWithUser has ID 0 until the backend
// confirms the first persisted message; the ID is then set exactly once, in
// place, by the store.
type Conversation struct {
	ID              int64     `json:"id"`
	OtherUserID     int64     `json:"otherUserId"`
	OtherUserName   string    `json:"otherUserName"`
	OtherUserAvatar string    `json:"otherUserAvatar,omitempty"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageTime time.Time `json:"lastMessageTime,omitempty"`
	UnreadCount     int       `json:"unreadCount"`
}

// Placeholder reports whether the conversation has not been materialized
// server-side yet.
func (c *Conversation) Placeholder() bool {
	return c.ID == 0
}

// Message is a single chat message.
type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"readStatus"`
}

// ============================================================================
// REST Response Types
// ============================================================================

// ConversationPage is one page of the conversation list endpoint.
type ConversationPage struct {
	Items      []Conversation `json:"items"`
	Page       int            `json:"page"`
	Size       int            `json:"size"`
	TotalItems int64          `json:"totalItems"`
}

// MessagePage is one page of a conversation's message history, ordered
// oldest first.
type MessagePage struct {
	Items      []Message `json:"items"`
	Page       int       `json:"page"`
	Size       int       `json:"size"`
	TotalItems int64     `json:"totalItems"`
}
