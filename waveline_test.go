package waveline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

func TestConversations(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/chat/conversations", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("page"))
		assert.Equal(t, "25", r.URL.Query().Get("size"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": 42, "otherUserId": 7, "otherUserName": "Bea", "lastMessage": "hi", "unreadCount": 2}
			],
			"page": 0, "size": 25, "totalItems": 1
		}`))
	})

	page, err := client.Conversations(context.Background(), 0, 25)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(42), page.Items[0].ID)
	assert.Equal(t, int64(7), page.Items[0].OtherUserID)
	assert.Equal(t, "Bea", page.Items[0].OtherUserName)
	assert.Equal(t, 2, page.Items[0].UnreadCount)
	assert.Equal(t, int64(1), page.TotalItems)
}

func TestMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/conversations/42/messages", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("size"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"items": [
				{"id": 1, "senderId": 7, "receiverId": 1, "content": "hi", "timestamp": "2026-03-01T10:00:00Z", "readStatus": false},
				{"id": 2, "senderId": 1, "receiverId": 7, "content": "hey", "timestamp": "2026-03-01T10:01:00Z", "readStatus": true}
			],
			"page": 0, "size": 20, "totalItems": 2
		}`))
	})

	page, err := client.Messages(context.Background(), 42, 0, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "hi", page.Items[0].Content)
	assert.False(t, page.Items[0].Read)
	assert.True(t, page.Items[1].Read)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), page.Items[0].Timestamp)
}

func TestMarkRead(t *testing.T) {
	var gotMethod, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{}`))
	})

	require.NoError(t, client.MarkRead(context.Background(), 42))
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/chat/conversations/42/read", gotPath)
}

func TestUnreadCount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/unread-count", r.URL.Path)
		w.Write([]byte(`7`))
	})

	count, err := client.UnreadCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestCanChat(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/can-chat/9", r.URL.Path)
		w.Write([]byte(`true`))
	})

	allowed, err := client.CanChat(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAPIErrorDecoding(t *testing.T) {
	t.Run("structured error body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"code": "CHAT_FORBIDDEN", "message": "recipient does not accept messages"}`))
		})

		_, err := client.Conversations(context.Background(), 0, 25)
		require.Error(t, err)

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "CHAT_FORBIDDEN", apiErr.Code)
	})

	t.Run("opaque error body", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := client.UnreadCount(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 500")
	})
}
