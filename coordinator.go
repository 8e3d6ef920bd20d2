package conversync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SyncState is one phase of the coordinator's lifecycle.
type SyncState string

const (
	StateIdle             SyncState = "idle"
	StateFetchingSnapshot SyncState = "fetching_snapshot"
	StateSubscribing      SyncState = "subscribing"
	StateLive             SyncState = "live"
	StateReconnecting     SyncState = "reconnecting"
	StateClosed           SyncState = "closed"
)

// ConnState is the externally visible connection state for the active
// conversation.
type ConnState struct {
	Status         SyncState
	ConversationID string
	RetryCount     int
	Epoch          uint64
}

// API is the REST surface the coordinator pulls snapshots from. Implemented
// by Client.
type API interface {
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	ListConversations(ctx context.Context) ([]Conversation, error)
}

// Defaults for snapshot/subscribe deadlines and reconnect backoff. A
// timeout moves the coordinator to Reconnecting, never to Closed: a
// transient stall must not abandon the session.
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultBackoffBase  = 500 * time.Millisecond
	DefaultBackoffCap   = 10 * time.Second
)

// Coordinator orchestrates snapshot fetch, subscription, and event
// application for one active conversation at a time. It is the single
// logical owner of the MessageStore and ConversationIndex: concurrent
// snapshot completion and push delivery are funneled through one ordered
// apply queue, never applied directly by network callbacks.
//
// Each activation (Open) increments a monotonic epoch; any late-arriving
// event tagged with a stale epoch is discarded, which closes the classic
// race where a stale subscription callback mutates state for a
// conversation the user has already navigated away from. Within an epoch,
// every connection attempt additionally carries a generation: only the
// latest generation may install its connection, so an attempt superseded
// by a mid-handshake drop closes its socket instead of overwriting the
// live one.
type Coordinator struct {
	api       API
	transport Transport
	store     *MessageStore
	index     *ConversationIndex
	log       zerolog.Logger

	fetchTimeout time.Duration
	recon        *reconnector

	mu             sync.Mutex
	state          SyncState
	epoch          uint64
	gen            uint64
	conversationID string
	retryCount     int
	conn           Conn
	actCtx         context.Context
	actCancel      context.CancelFunc
	onChange       []func(conversationID string)
	onState        []func(ConnState)

	events    chan coordEvent
	quit      chan struct{}
	closeOnce sync.Once
}

type eventKind int

const (
	evSnapshot eventKind = iota
	evLive
	evMessage
	evDown
	evFatal
)

type coordEvent struct {
	epoch    uint64
	gen      uint64
	kind     eventKind
	convID   string
	snapshot []Message
	msg      Message
	err      error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger attaches a structured logger. Default is a no-op logger.
func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

// WithFetchTimeout bounds the snapshot fetch and subscribe phases.
func WithFetchTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.fetchTimeout = d }
}

// WithBackoff overrides the reconnect backoff base and cap.
func WithBackoff(base, cap time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.recon = newReconnector(base, cap) }
}

// NewCoordinator creates a coordinator over the given API and transport.
// currentUser is the id whose incoming messages drive the unread flag.
func NewCoordinator(api API, transport Transport, currentUser string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		api:          api,
		transport:    transport,
		store:        NewMessageStore(),
		log:          zerolog.Nop(),
		fetchTimeout: DefaultFetchTimeout,
		recon:        newReconnector(DefaultBackoffBase, DefaultBackoffCap),
		state:        StateIdle,
		events:       make(chan coordEvent, 256),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.index = NewConversationIndex(c.store, currentUser)
	go c.run()
	return c
}

// Store exposes the message store for reads (Ordered, Len). All writes go
// through the coordinator.
func (c *Coordinator) Store() *MessageStore { return c.store }

// Index exposes the conversation index for reads (Summaries).
func (c *Coordinator) Index() *ConversationIndex { return c.index }

// Ordered returns the active rendering sequence for a conversation.
func (c *Coordinator) Ordered(conversationID string) func(func(Message) bool) {
	return c.store.Ordered(conversationID)
}

// Summaries returns the recency-sorted conversation list.
func (c *Coordinator) Summaries() []ConversationSummary {
	return c.index.Summaries()
}

// MarkRead clears the unread flag up to the given message.
func (c *Coordinator) MarkRead(conversationID, upToMessageID string) {
	c.index.MarkRead(conversationID, upToMessageID)
	c.notifyChange(conversationID)
}

// OnChange registers a store-changed notification so presentation code can
// re-render without polling. Callbacks run on the coordinator's apply
// goroutine; keep them short.
func (c *Coordinator) OnChange(fn func(conversationID string)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// OnState registers a connection-state callback (e.g. for a non-blocking
// "reconnecting" indicator).
func (c *Coordinator) OnState(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = append(c.onState, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Coordinator) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnState{
		Status:         c.state,
		ConversationID: c.conversationID,
		RetryCount:     c.retryCount,
		Epoch:          c.epoch,
	}
}

// Epoch returns the current activation epoch.
func (c *Coordinator) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// attemptCurrent reports whether the given activation attempt is still the
// latest one.
func (c *Coordinator) attemptCurrent(epoch, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch && c.gen == gen
}

// RefreshConversations fetches the conversation list snapshot and seeds the
// index. Transient failures leave previously cached summaries visible.
func (c *Coordinator) RefreshConversations(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	convs, err := c.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	c.index.SetConversations(convs, time.Now())
	c.notifyChange("")
	return nil
}

// Open activates a conversation: it cancels any in-flight work for the
// previous one, disconnects its handle synchronously (the disconnect for A
// always precedes the subscribe for B), then starts the
// snapshot-fetch/subscribe sequence for the new conversation.
func (c *Coordinator) Open(conversationID string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}

	c.epoch++
	epoch := c.epoch
	c.gen++
	gen := c.gen
	prevCancel := c.actCancel
	prevConn := c.conn
	c.conn = nil
	c.conversationID = conversationID
	c.retryCount = 0
	c.recon.reset()

	actCtx, cancel := context.WithCancel(context.Background())
	c.actCtx = actCtx
	c.actCancel = cancel
	c.setStateLocked(StateFetchingSnapshot)
	c.mu.Unlock()

	// Teardown for the previous conversation happens here, in the same
	// synchronous path, before the new activation can touch the transport.
	if prevCancel != nil {
		prevCancel()
	}
	if prevConn != nil {
		prevConn.Close()
	}

	c.store.Track(conversationID)
	go c.activate(actCtx, epoch, gen, conversationID, false)
	return nil
}

// Close tears the coordinator down. The active handle is disconnected in
// the same synchronous path. Closed is terminal; Open afterwards returns
// ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.epoch++ // orphan any in-flight events
	cancel := c.actCancel
	conn := c.conn
	c.conn = nil
	c.actCancel = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.closeOnce.Do(func() { close(c.quit) })
	return err
}

// ============================================================================
// Activation
// ============================================================================

// activate drives one conversation through snapshot fetch and subscribe
// until Live, retrying with backoff on recoverable failures. On first
// activation the snapshot lands before the subscription opens; on
// reconnect the subscription opens first and a re-snapshot closes the gap
// of events missed while disconnected.
func (c *Coordinator) activate(ctx context.Context, epoch, gen uint64, conversationID string, reconnect bool) {
	for {
		if ctx.Err() != nil || !c.attemptCurrent(epoch, gen) {
			return
		}

		var err error
		if reconnect {
			err = c.attemptReconnect(ctx, epoch, gen, conversationID)
		} else {
			err = c.attemptInitial(ctx, epoch, gen, conversationID)
		}
		if err == nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.send(coordEvent{epoch: epoch, kind: evFatal, convID: conversationID, err: err})
			return
		}

		c.mu.Lock()
		if c.epoch == epoch && c.gen == gen {
			c.retryCount++
			c.setStateLocked(StateReconnecting)
		}
		c.mu.Unlock()

		delay := c.recon.nextDelay()
		c.log.Warn().Err(err).Dur("retry_in", delay).Str("chat", conversationID).
			Msg("sync attempt failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		// After any failed attempt the path is the reconnect one: the
		// subscription must be re-issued and the snapshot re-fetched.
		reconnect = true
	}
}

func (c *Coordinator) attemptInitial(ctx context.Context, epoch, gen uint64, conversationID string) error {
	msgs, err := c.fetchSnapshot(ctx, conversationID)
	if err != nil {
		return err
	}
	c.send(coordEvent{epoch: epoch, gen: gen, kind: evSnapshot, convID: conversationID, snapshot: msgs})

	c.setStateIfCurrent(epoch, gen, StateSubscribing)
	conn, err := c.openSubscription(ctx, epoch, gen, conversationID)
	if err != nil {
		return err
	}
	return c.goLive(epoch, gen, conversationID, conn, nil)
}

func (c *Coordinator) attemptReconnect(ctx context.Context, epoch, gen uint64, conversationID string) error {
	c.setStateIfCurrent(epoch, gen, StateSubscribing)
	conn, err := c.openSubscription(ctx, epoch, gen, conversationID)
	if err != nil {
		return err
	}

	// Subscription is live; now close the gap. Events pushed during the
	// fetch queue up behind the snapshot in the apply path.
	msgs, err := c.fetchSnapshot(ctx, conversationID)
	if err != nil {
		conn.Close()
		return err
	}
	return c.goLive(epoch, gen, conversationID, conn, msgs)
}

func (c *Coordinator) fetchSnapshot(ctx context.Context, conversationID string) ([]Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	return c.api.Messages(fetchCtx, conversationID)
}

func (c *Coordinator) openSubscription(ctx context.Context, epoch, gen uint64, conversationID string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	conn, err := c.transport.Connect(dialCtx, conversationID)
	if err != nil {
		return nil, err
	}

	// Handlers registered before subscribe: nothing may slip past the
	// apply queue. Every event carries the activation epoch; the drop
	// event also carries the attempt generation so a superseded attempt's
	// dying socket cannot tear down its successor.
	conn.OnMessage(func(msg Message) {
		c.send(coordEvent{epoch: epoch, kind: evMessage, convID: conversationID, msg: msg})
	})
	conn.OnDown(func(err error) {
		c.send(coordEvent{epoch: epoch, gen: gen, kind: evDown, convID: conversationID, err: err})
	})

	if err := conn.Subscribe(dialCtx, conversationID); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// goLive installs the connection unless the attempt went stale while the
// handshake ran (conversation switch, or a newer attempt spawned by a drop
// during the gap fetch), in which case the connection is closed and
// discarded immediately.
func (c *Coordinator) goLive(epoch, gen uint64, conversationID string, conn Conn, resnapshot []Message) error {
	c.mu.Lock()
	if c.epoch != epoch || c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.retryCount = 0
	c.mu.Unlock()

	c.recon.markConnected()
	if resnapshot != nil {
		c.send(coordEvent{epoch: epoch, gen: gen, kind: evSnapshot, convID: conversationID, snapshot: resnapshot})
	}
	c.send(coordEvent{epoch: epoch, gen: gen, kind: evLive, convID: conversationID})
	return nil
}

// ============================================================================
// Apply queue
// ============================================================================

// send enqueues an event for the apply goroutine. The queue is bounded; a
// full queue drops the event (the next snapshot re-fetch recovers it).
func (c *Coordinator) send(ev coordEvent) {
	select {
	case <-c.quit:
	case c.events <- ev:
	default:
		c.log.Warn().Str("chat", ev.convID).Msg("apply queue full, event dropped")
	}
}

// run is the single ordered apply path: snapshot results and push events
// mutate the store and index only from here. Push events that arrive while
// a snapshot is in flight are held and replayed after the merge, in
// arrival order, so a snapshot is never followed by an older event.
func (c *Coordinator) run() {
	var pending []coordEvent
	snapshotPending := false

	for {
		var ev coordEvent
		select {
		case <-c.quit:
			return
		case ev = <-c.events:
		}

		c.mu.Lock()
		current, curGen := c.epoch, c.gen
		c.mu.Unlock()
		if ev.epoch != current {
			c.log.Debug().Uint64("event_epoch", ev.epoch).Uint64("epoch", current).
				Msg("stale epoch, event discarded")
			continue
		}
		// Snapshot, live and drop events belong to one connection attempt;
		// a superseded attempt must not clear the pending buffer or spawn
		// another reconnect. Message events are attempt-agnostic: the
		// store insert is idempotent.
		if (ev.kind == evSnapshot || ev.kind == evLive || ev.kind == evDown) && ev.gen != curGen {
			c.log.Debug().Uint64("event_gen", ev.gen).Uint64("gen", curGen).
				Msg("superseded attempt, event discarded")
			continue
		}

		switch ev.kind {
		case evSnapshot:
			c.store.ApplySnapshot(ev.convID, ev.snapshot)
			snapshotPending = false
			for _, p := range pending {
				if p.epoch == current {
					c.store.ApplyIncoming(p.msg)
				}
			}
			pending = pending[:0]
			c.index.Refresh(ev.convID)
			c.notifyChange(ev.convID)

		case evLive:
			c.setStateIfCurrent(ev.epoch, ev.gen, StateLive)

		case evMessage:
			if snapshotPending {
				pending = append(pending, ev)
				continue
			}
			if c.store.ApplyIncoming(ev.msg) {
				c.index.Refresh(ev.msg.ConversationID)
				c.notifyChange(ev.msg.ConversationID)
			}

		case evDown:
			c.mu.Lock()
			if c.epoch != ev.epoch || c.gen != ev.gen || c.state == StateClosed {
				c.mu.Unlock()
				continue
			}
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.retryCount++
			c.setStateLocked(StateReconnecting)
			// Reconnection shares the activation lifetime of the current
			// epoch; Open or Close cancels it. The generation bump
			// invalidates any attempt still mid-handshake.
			c.gen++
			gen := c.gen
			actCtx := c.actCtx
			if actCtx == nil {
				actCtx = context.Background()
			}
			convID := c.conversationID
			epoch := c.epoch
			c.mu.Unlock()

			snapshotPending = true
			c.log.Warn().Err(ev.err).Str("chat", convID).Msg("push channel down, reconnecting")
			go c.activate(actCtx, epoch, gen, convID, true)

		case evFatal:
			c.mu.Lock()
			conn := c.conn
			c.conn = nil
			c.setStateLocked(StateClosed)
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			c.log.Error().Err(ev.err).Msg("fatal sync error, session closed")
			c.closeOnce.Do(func() { close(c.quit) })
			return
		}
	}
}

// ============================================================================
// State plumbing
// ============================================================================

func (c *Coordinator) setStateIfCurrent(epoch, gen uint64, s SyncState) {
	c.mu.Lock()
	if c.epoch != epoch || c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked updates the state and snapshots the callbacks; callers
// hold c.mu. Callbacks run outside the lock.
func (c *Coordinator) setStateLocked(s SyncState) {
	c.state = s
	snapshot := ConnState{
		Status:         s,
		ConversationID: c.conversationID,
		RetryCount:     c.retryCount,
		Epoch:          c.epoch,
	}
	handlers := append([]func(ConnState){}, c.onState...)
	go func() {
		for _, h := range handlers {
			h(snapshot)
		}
	}()
}

func (c *Coordinator) notifyChange(conversationID string) {
	c.mu.Lock()
	handlers := append([]func(string){}, c.onChange...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(conversationID)
	}
}
