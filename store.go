package conversync

import (
	"iter"
	"sort"
	"sync"
	"time"
)

// Bounds for the orphan buffer: push events for conversations that are not
// currently tracked are held back rather than dropped, so a conversation
// opened shortly after can replay them. Both limits keep a long-lived
// connection from growing memory without bound.
const (
	orphanCap       = 200
	orphanRetention = 5 * time.Minute
)

// MessageStore is the in-memory ordered collection of messages per
// conversation. It merges REST snapshots with push-delivered increments and
// de-duplicates by message id. All mutations for a conversation are expected
// to arrive through a single Coordinator; the internal lock only protects
// concurrent readers (render loops) against that one writer.
type MessageStore struct {
	mu      sync.RWMutex
	convs   map[string]*convMessages
	orphans map[string][]orphan

	now func() time.Time
}

type convMessages struct {
	// msgs is kept sorted ascending by (CreatedAt, ID); ids mirrors it for
	// O(1) duplicate detection.
	msgs []Message
	ids  map[string]struct{}
}

type orphan struct {
	msg Message
	at  time.Time
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		convs:   make(map[string]*convMessages),
		orphans: make(map[string][]orphan),
		now:     time.Now,
	}
}

// Track starts tracking a conversation and replays any buffered orphan
// events that are still within the retention window.
func (s *MessageStore) Track(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationID]
	if c == nil {
		c = &convMessages{ids: make(map[string]struct{})}
		s.convs[conversationID] = c
	}

	buffered := s.orphans[conversationID]
	delete(s.orphans, conversationID)

	cutoff := s.now().Add(-orphanRetention)
	replayed := 0
	for _, o := range buffered {
		if o.at.Before(cutoff) {
			continue
		}
		if c.insert(o.msg) {
			replayed++
		}
	}
	return replayed
}

// Forget drops a conversation's messages. Subsequent push events for it go
// back to the orphan buffer.
func (s *MessageStore) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}

// Tracked reports whether the conversation currently holds store state.
func (s *MessageStore) Tracked(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conversationID] != nil
}

// ApplySnapshot merges an authoritative REST-fetched history into the
// store. Merge rule: union by message id, the fetched copy wins on
// collision (the server is authoritative; this client keeps no optimistic
// local state). The conversation becomes tracked and pending orphans are
// replayed on top of the merged set.
func (s *MessageStore) ApplySnapshot(conversationID string, messages []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := &convMessages{ids: make(map[string]struct{}, len(messages))}
	for _, m := range messages {
		if _, dup := merged.ids[m.ID]; dup {
			continue
		}
		merged.ids[m.ID] = struct{}{}
		merged.msgs = append(merged.msgs, m)
	}

	// Retain previously stored messages the snapshot did not cover (a
	// partial history page must not erase what an earlier page loaded).
	if prev := s.convs[conversationID]; prev != nil {
		for _, m := range prev.msgs {
			if _, ok := merged.ids[m.ID]; !ok {
				merged.ids[m.ID] = struct{}{}
				merged.msgs = append(merged.msgs, m)
			}
		}
	}

	sort.Slice(merged.msgs, func(i, j int) bool {
		return merged.msgs[i].Before(merged.msgs[j])
	})
	s.convs[conversationID] = merged

	buffered := s.orphans[conversationID]
	delete(s.orphans, conversationID)
	cutoff := s.now().Add(-orphanRetention)
	for _, o := range buffered {
		if !o.at.Before(cutoff) {
			merged.insert(o.msg)
		}
	}
}

// ApplyIncoming inserts a push-delivered message. Idempotent: a message id
// already present is silently absorbed (duplicate delivery is expected).
// Messages for untracked conversations are buffered in the bounded orphan
// set. Returns true when the tracked set actually changed.
func (s *MessageStore) ApplyIncoming(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[msg.ConversationID]
	if c == nil {
		s.bufferOrphan(msg)
		return false
	}
	return c.insert(msg)
}

func (s *MessageStore) bufferOrphan(msg Message) {
	buf := s.orphans[msg.ConversationID]

	// Drop entries past retention while we are here.
	cutoff := s.now().Add(-orphanRetention)
	live := buf[:0]
	for _, o := range buf {
		if !o.at.Before(cutoff) {
			live = append(live, o)
		}
	}

	for _, o := range live {
		if o.msg.ID == msg.ID {
			s.orphans[msg.ConversationID] = live
			return
		}
	}

	live = append(live, orphan{msg: msg, at: s.now()})
	if len(live) > orphanCap {
		live = live[len(live)-orphanCap:]
	}
	s.orphans[msg.ConversationID] = live
}

// insert places m into the sorted slice unless the id is already present.
// Caller holds the store lock.
func (c *convMessages) insert(m Message) bool {
	if _, dup := c.ids[m.ID]; dup {
		return false
	}
	i := sort.Search(len(c.msgs), func(i int) bool {
		return m.Before(c.msgs[i])
	})
	c.msgs = append(c.msgs, Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = m
	c.ids[m.ID] = struct{}{}
	return true
}

// Ordered returns a restartable sequence of the conversation's messages in
// ascending chronological order. The sequence iterates over a point-in-time
// copy, so render loops never observe a torn view.
func (s *MessageStore) Ordered(conversationID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		s.mu.RLock()
		var msgs []Message
		if c := s.convs[conversationID]; c != nil {
			msgs = append(msgs, c.msgs...)
		}
		s.mu.RUnlock()

		for _, m := range msgs {
			if !yield(m) {
				return
			}
		}
	}
}

// Len returns the number of stored messages for a conversation.
func (s *MessageStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.convs[conversationID]; c != nil {
		return len(c.msgs)
	}
	return 0
}

// Last returns the maximum message by the conversation's total order.
func (s *MessageStore) Last(conversationID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[conversationID]
	if c == nil || len(c.msgs) == 0 {
		return Message{}, false
	}
	return c.msgs[len(c.msgs)-1], true
}

// Get looks up a stored message by id.
func (s *MessageStore) Get(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.convs[conversationID]
	if c == nil {
		return Message{}, false
	}
	if _, ok := c.ids[messageID]; !ok {
		return Message{}, false
	}
	for _, m := range c.msgs {
		if m.ID == messageID {
			return m, true
		}
	}
	return Message{}, false
}
