package conversync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned when operating on a coordinator or connection
// handle that has already been torn down. Closed is terminal: a fresh
// instance is required per conversation activation.
var ErrClosed = errors.New("conversync: closed")

// ============================================================================
// Wire Types
// ============================================================================

// Message is a single chat message as the backend persists it.
// Immutable once created except for the Read flag; the client only ever
// receives copies, never creates ids or timestamps itself.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chatId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Body           string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	Read           bool      `json:"read"`
}

// Before reports whether m sorts before o in a conversation's total order.
// Timestamps may coincide at millisecond resolution, so ties break by id
// for determinism.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Participant is the client/customer entity on the other side of a
// conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Conversation is a client-to-staff message thread as returned by the
// conversation list endpoint.
type Conversation struct {
	ID          string      `json:"id"`
	Client      Participant `json:"client"`
	LastMessage *Message    `json:"lastMessage,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ConversationSummary is the derived projection consumed by list views:
// conversation id, last message preview, unread flag, recency timestamp.
// Recomputed on every relevant store mutation, never persisted.
type ConversationSummary struct {
	ConversationID string
	Client         Participant
	Preview        string
	LastAt         time.Time
	HasUnread      bool
	FetchedAt      time.Time
}

// APIResult is the backend's generic response envelope.
type APIResult struct {
	Status  bool            `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Error Taxonomy
// ============================================================================

// AuthError means the access token is missing or rejected. Fatal for the
// current coordinator instance: surfaced as "sign in required", never
// retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth: " + e.Reason
}

// TransportError is a recoverable push-channel failure (drop, timeout,
// dial error). Triggers reconnection with backoff.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SnapshotError is a recoverable snapshot fetch failure (non-2xx response
// or malformed body). Retried with the same backoff as TransportError;
// stale summaries remain visible meanwhile.
type SnapshotError struct {
	StatusCode int
	Err        error
}

func (e *SnapshotError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("snapshot: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("snapshot: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }
