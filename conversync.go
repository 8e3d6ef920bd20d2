// Package conversync keeps a consistent, ordered, near-real-time view of
// chat conversations served by the dashboard backend. It merges REST
// snapshot fetches with push-channel events, de-duplicates, survives
// reconnects, and exposes the result to presentation code as ordered
// message sequences and recency-sorted conversation summaries.
//
// Example:
//
//	client := conversync.NewClient(token)
//	manager := conversync.NewConnectionManager(client.BaseURL(), token)
//	coord := conversync.NewCoordinator(client, manager, myUserID)
//	defer coord.Close()
//
//	coord.OnChange(func(chatID string) { render(coord.Ordered(chatID)) })
//	coord.Open("chat-42")
package conversync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://api.lharris-security.com"
	DefaultTimeout = 15 * time.Second
)

// Client is the REST API client for the snapshot and send endpoints. The
// push channel is handled separately by ConnectionManager; the two share
// the same base URL and bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client authenticated with the given access token.
// The token is an opaque credential refreshed externally; every operation
// fails fast with AuthError while it is absent.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token after an external refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	if c.token == "" {
		return nil, 0, &AuthError{Reason: "missing access token"}
	}

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
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Debug().Int("status", resp.StatusCode).Str("method", method).Str("path", path).
			Msg("request returned non-success status")
	}
	return data, resp.StatusCode, nil
}

// decodeEnvelope validates the backend's response envelope at the
// boundary, so a malformed body fails fast as SnapshotError instead of
// propagating zero values into rendering.
func decodeEnvelope(data []byte, statusCode int) (*APIResult, error) {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: fmt.Sprintf("token rejected (HTTP %d)", statusCode)}
	}
	if statusCode < 200 || statusCode >= 300 {
		return nil, &SnapshotError{StatusCode: statusCode, Err: fmt.Errorf("unexpected status")}
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &SnapshotError{StatusCode: statusCode, Err: fmt.Errorf("malformed body: %w", err)}
	}
	if !result.Status {
		msg := result.Message
		if msg == "" {
			msg = "request rejected"
		}
		return nil, &SnapshotError{StatusCode: statusCode, Err: fmt.Errorf("%s", msg)}
	}
	return &result, nil
}

// ============================================================================
// Snapshot endpoints
// ============================================================================

// ListConversations fetches the authoritative conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, status, err := c.doRequest(ctx, "GET", "/messages/getallchat", nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeEnvelope(data, status)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	if err := result.Decode(&convs); err != nil {
		return nil, &SnapshotError{StatusCode: status, Err: fmt.Errorf("malformed conversation list: %w", err)}
	}
	return convs, nil
}

// Messages fetches the point-in-time message history for one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	data, status, err := c.doRequest(ctx, "GET", "/messages/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeEnvelope(data, status)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, &SnapshotError{StatusCode: status, Err: fmt.Errorf("malformed message history: %w", err)}
	}
	return msgs, nil
}

// ============================================================================
// Mutations
// ============================================================================

type sendRequest struct {
	Message   string `json:"message"`
	ChatID    string `json:"chatId"`
	RequestID string `json:"requestId"`
}

// Send posts a message to a conversation. The persisted message, with its
// server-assigned id and timestamp, reaches the store only through the
// subsequent push event, never from this response body: the server is the
// single source of truth and this client keeps no optimistic echo.
func (c *Client) Send(ctx context.Context, conversationID, body string) error {
	payload := sendRequest{
		Message:   body,
		ChatID:    conversationID,
		RequestID: uuid.NewString(),
	}
	data, status, err := c.doRequest(ctx, "POST", "/messages/send", payload, nil)
	if err != nil {
		return err
	}
	if _, err := decodeEnvelope(data, status); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// MarkRead tells the backend the conversation has been read. The local
// unread projection is maintained by ConversationIndex.MarkRead and does
// not wait on this call.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	data, status, err := c.doRequest(ctx, "POST", "/messages/markread",
		map[string]string{"chatId": conversationID}, nil)
	if err != nil {
		return err
	}
	if _, err := decodeEnvelope(data, status); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
