package conversync

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// PushEnvelope is the wire format for all push-channel events.
type PushEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushCommand is a client-to-server command on the push channel.
type PushCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// joinRoomPayload is the outbound room-subscribe signal; roomJoinedPayload
// is the server's acknowledgement.
type joinRoomPayload struct {
	ChatID string `json:"chatId"`
}

type roomJoinedPayload struct {
	ChatID    string `json:"chatId"`
	RequestID string `json:"requestId"`
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector produces jittered exponential backoff delays. The attempt
// counter resets after a connection has been stable for a while, so a flaky
// network does not escalate to the cap forever.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

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
// Connection Manager
// ============================================================================

// Conn is one established push connection, scoped to a single conversation
// context. ConnectionHandle is the production implementation; tests script
// their own.
type Conn interface {
	Subscribe(ctx context.Context, conversationID string) error
	OnMessage(fn func(Message))
	OnDown(fn func(error))
	Close() error
}

// Transport dials push connections. Implemented by ConnectionManager.
type Transport interface {
	Connect(ctx context.Context, conversationID string) (Conn, error)
}

// ConnectionManager owns push-channel connections. Each Connect returns an
// explicitly owned handle whose lifetime is caller-controlled: the caller
// must Close it on every exit path, since a leaked subscription keeps
// delivering messages into a stale view.
type ConnectionManager struct {
	endpoint string
	token    string
	log      zerolog.Logger
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithManagerLogger attaches a logger for connection lifecycle events.
func WithManagerLogger(log zerolog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.log = log }
}

// NewConnectionManager creates a manager for the given backend endpoint
// (http or https base URL) and bearer token.
func NewConnectionManager(endpoint, token string, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// wsURL converts the REST base URL to the push-channel URL for one
// conversation. The connection is keyed by access token and conversation id.
func (m *ConnectionManager) wsURL(conversationID string) string {
	u := strings.Replace(m.endpoint, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + m.token + "&chat=" + conversationID
}

// Connect establishes a push connection scoped to one conversation. It
// fails with AuthError when no token is configured; the caller must not
// retry that case.
func (m *ConnectionManager) Connect(ctx context.Context, conversationID string) (Conn, error) {
	if m.token == "" {
		return nil, &AuthError{Reason: "missing access token"}
	}

	wsConn, _, err := websocket.Dial(ctx, m.wsURL(conversationID), nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	h := &ConnectionHandle{
		conn:         wsConn,
		log:          m.log.With().Str("chat", conversationID).Logger(),
		cancel:       cancel,
		subscribed:   make(map[string]struct{}),
		pendingJoins: make(map[string]chan roomJoinedPayload),
	}
	go h.readLoop(connCtx)

	m.log.Debug().Str("chat", conversationID).Msg("push connection established")
	return h, nil
}

// ============================================================================
// Connection Handle
// ============================================================================

// ConnectionHandle is one live push connection. Close is idempotent and
// guaranteed safe on every exit path.
type ConnectionHandle struct {
	conn   *websocket.Conn
	log    zerolog.Logger
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	subscribed map[string]struct{}
	onMessage  func(Message)
	onDown     func(error)

	pendingMu    sync.Mutex
	pendingJoins map[string]chan roomJoinedPayload
}

// OnMessage registers the handler invoked once per inbound message event,
// in arrival order. Register before Subscribe or events may be dropped.
func (h *ConnectionHandle) OnMessage(fn func(Message)) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// OnDown registers the handler invoked once when the transport drops for
// any reason other than an explicit Close.
func (h *ConnectionHandle) OnDown(fn func(error)) {
	h.mu.Lock()
	h.onDown = fn
	h.mu.Unlock()
}

// Subscribe issues the joinRoom signal and waits for the server's
// acknowledgement (bounded by ctx). No-op when already subscribed to the
// given conversation; subscriptions do not survive a reconnect.
func (h *ConnectionHandle) Subscribe(ctx context.Context, conversationID string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return &TransportError{Op: "subscribe", Err: ErrClosed}
	}
	if _, ok := h.subscribed[conversationID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	requestID := uuid.NewString()
	ack := make(chan roomJoinedPayload, 1)
	h.pendingMu.Lock()
	h.pendingJoins[requestID] = ack
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pendingJoins, requestID)
		h.pendingMu.Unlock()
	}()

	cmd := PushCommand{
		Type:      "joinRoom",
		Payload:   joinRoomPayload{ChatID: conversationID},
		RequestID: requestID,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := h.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "subscribe", Err: err}
	}

	select {
	case <-ack:
		h.mu.Lock()
		h.subscribed[conversationID] = struct{}{}
		h.mu.Unlock()
		h.log.Debug().Str("chat", conversationID).Msg("room joined")
		return nil
	case <-ctx.Done():
		return &TransportError{Op: "subscribe", Err: ctx.Err()}
	}
}

// Close tears the connection down. Idempotent; never fires OnDown.
func (h *ConnectionHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	return h.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (h *ConnectionHandle) readLoop(ctx context.Context) {
	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.closed = true
			down := h.onDown
			h.mu.Unlock()

			// Close early-returns once the flag is set, so the connection
			// context must be released here.
			h.cancel()
			if !closed && down != nil {
				down(&TransportError{Op: "read", Err: err})
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "newMessage":
			var msg Message
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				h.log.Warn().Err(err).Msg("malformed newMessage payload")
				continue
			}
			h.mu.Lock()
			fn := h.onMessage
			h.mu.Unlock()
			if fn != nil {
				fn(msg)
			}

		case "roomJoined":
			var p roomJoinedPayload
			if json.Unmarshal(env.Payload, &p) != nil || p.RequestID == "" {
				continue
			}
			h.pendingMu.Lock()
			ack, ok := h.pendingJoins[p.RequestID]
			if ok {
				delete(h.pendingJoins, p.RequestID)
			}
			h.pendingMu.Unlock()
			if ok {
				ack <- p
			}
		}
	}
}
