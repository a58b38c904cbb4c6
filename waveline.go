// Package waveline provides the official Go SDK for the Waveline chat API.
//
// The SDK has three layers: Client wraps the REST endpoints, Channel owns
// the persistent realtime connection, and Store keeps the client-side
// conversation model in sync with both.
//
// Example:
//
//	client := waveline.NewClient(token)
//	disp := waveline.NewDispatcher(nil)
//	ch := waveline.NewChannel(waveline.ChannelConfig{BaseURL: waveline.DefaultBaseURL}, disp)
//
//	store := waveline.NewStore(client, ch)
//	store.Bind(disp)
//	ch.Connect(ctx, token)
package waveline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.waveline.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST gateway to the chat backend.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Waveline API client. token is the bearer token of
// the authenticated session; renewal is handled outside the SDK.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: discardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token, e.g. after the auth layer refreshed it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(page, size int) map[string]string {
	return map[string]string{
		"page": strconv.Itoa(page),
		"size": strconv.Itoa(size),
	}
}

// discardLogger returns a logger that drops everything. Used wherever no
// logger was injected.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Chat API Methods
// ============================================================================

// Conversations fetches one page of the caller's conversation list.
func (c *Client) Conversations(ctx context.Context, page, size int) (*ConversationPage, error) {
	data, err := c.doRequest(ctx, "GET", "/chat/conversations", nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationPage](data)
}

// Messages fetches one page of a conversation's history, oldest first.
func (c *Client) Messages(ctx context.Context, conversationID int64, page, size int) (*MessagePage, error) {
	path := "/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/messages"
	data, err := c.doRequest(ctx, "GET", path, nil, pageQuery(page, size))
	if err != nil {
		return nil, err
	}
	return decodeJSON[MessagePage](data)
}

// MarkRead acknowledges every message of the conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	path := "/chat/conversations/" + strconv.FormatInt(conversationID, 10) + "/read"
	_, err := c.doRequest(ctx, "POST", path, nil, nil)
	return err
}

// UnreadCount returns the caller's total number of unread messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "GET", "/chat/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, fmt.Errorf("failed to unmarshal unread count: %w", err)
	}
	return count, nil
}

// CanChat reports whether the caller may open a chat with the given user.
// The gate is consumed by UI code; the store itself does not enforce it.
func (c *Client) CanChat(ctx context.Context, userID int64) (bool, error) {
	data, err := c.doRequest(ctx, "GET", "/chat/can-chat/"+strconv.FormatInt(userID, 10), nil, nil)
	if err != nil {
		return false, err
	}
	var allowed bool
	if err := json.Unmarshal(data, &allowed); err != nil {
		return false, fmt.Errorf("failed to unmarshal can-chat response: %w", err)
	}
	return allowed, nil
}
