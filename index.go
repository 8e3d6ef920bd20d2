package conversync

import (
	"sort"
	"sync"
	"time"
)

// ConversationIndex maintains the derived, sorted-by-recency view of
// conversations. Summaries are recomputed from the MessageStore on every
// relevant mutation (the Coordinator calls Refresh); Summaries is cheap
// enough to call on every render.
type ConversationIndex struct {
	store       *MessageStore
	currentUser string

	mu      sync.RWMutex
	entries map[string]*indexEntry
}

type indexEntry struct {
	client    Participant
	fetchedAt time.Time
	summary   ConversationSummary

	// readUpTo is the unread watermark: messages at or before this point
	// in the conversation's total order count as read. Zero value means
	// nothing has been marked.
	readUpTo   Message
	hasReadPos bool
}

// NewConversationIndex creates an index over the given store. currentUser
// is the id whose incoming messages drive the unread flag.
func NewConversationIndex(store *MessageStore, currentUser string) *ConversationIndex {
	return &ConversationIndex{
		store:       store,
		currentUser: currentUser,
		entries:     make(map[string]*indexEntry),
	}
}

// SetConversations seeds or updates the index from a conversation-list
// snapshot. Existing unread watermarks survive a re-fetch.
func (ix *ConversationIndex) SetConversations(convs []Conversation, fetchedAt time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, c := range convs {
		e := ix.entries[c.ID]
		if e == nil {
			e = &indexEntry{}
			ix.entries[c.ID] = e
		}
		e.client = c.Client
		e.fetchedAt = fetchedAt
		if c.LastMessage != nil && ix.store.Len(c.ID) == 0 {
			// List endpoint carries a last-message preview even before the
			// full history is fetched.
			e.summary = ConversationSummary{
				ConversationID: c.ID,
				Client:         c.Client,
				Preview:        c.LastMessage.Body,
				LastAt:         c.LastMessage.CreatedAt,
				HasUnread:      ix.unreadLocked(e, *c.LastMessage),
				FetchedAt:      fetchedAt,
			}
			continue
		}
		ix.recomputeLocked(c.ID, e)
	}
}

// Refresh recomputes one summary from the MessageStore. Called by the
// Coordinator after every store mutation affecting the conversation.
func (ix *ConversationIndex) Refresh(conversationID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e := ix.entries[conversationID]
	if e == nil {
		e = &indexEntry{fetchedAt: time.Now()}
		ix.entries[conversationID] = e
	}
	ix.recomputeLocked(conversationID, e)
}

func (ix *ConversationIndex) recomputeLocked(conversationID string, e *indexEntry) {
	summary := ConversationSummary{
		ConversationID: conversationID,
		Client:         e.client,
		FetchedAt:      e.fetchedAt,
	}
	if last, ok := ix.store.Last(conversationID); ok {
		summary.Preview = last.Body
		summary.LastAt = last.CreatedAt
		summary.HasUnread = ix.anyUnreadLocked(conversationID, e)
	}
	e.summary = summary
}

func (ix *ConversationIndex) anyUnreadLocked(conversationID string, e *indexEntry) bool {
	for m := range ix.store.Ordered(conversationID) {
		if ix.unreadLocked(e, m) {
			return true
		}
	}
	return false
}

func (ix *ConversationIndex) unreadLocked(e *indexEntry, m Message) bool {
	if m.ReceiverID != ix.currentUser || m.Read {
		return false
	}
	if e.hasReadPos && !e.readUpTo.Before(m) {
		return false
	}
	return true
}

// MarkRead clears the unread flag for messages at or before upToMessageID
// whose receiver is the current user. Messages arriving after the call are
// not affected.
func (ix *ConversationIndex) MarkRead(conversationID, upToMessageID string) {
	upTo, ok := ix.store.Get(conversationID, upToMessageID)
	if !ok {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	e := ix.entries[conversationID]
	if e == nil {
		e = &indexEntry{fetchedAt: time.Now()}
		ix.entries[conversationID] = e
	}
	if !e.hasReadPos || e.readUpTo.Before(upTo) {
		e.readUpTo = upTo
		e.hasReadPos = true
	}
	ix.recomputeLocked(conversationID, e)
}

// Summaries returns all conversation summaries sorted descending by last
// message time. Conversations with no messages sort last, by fetch time.
// Ordering is stable across calls: equal timestamps break ties by
// conversation id ascending, so list views never flicker.
func (ix *ConversationIndex) Summaries() []ConversationSummary {
	ix.mu.RLock()
	out := make([]ConversationSummary, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e.summary)
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aEmpty, bEmpty := a.LastAt.IsZero(), b.LastAt.IsZero()
		switch {
		case aEmpty != bEmpty:
			return bEmpty
		case aEmpty:
			if !a.FetchedAt.Equal(b.FetchedAt) {
				return a.FetchedAt.After(b.FetchedAt)
			}
		default:
			if !a.LastAt.Equal(b.LastAt) {
				return a.LastAt.After(b.LastAt)
			}
		}
		return a.ConversationID < b.ConversationID
	})
	return out
}

// Summary returns the cached summary for one conversation.
func (ix *ConversationIndex) Summary(conversationID string) (ConversationSummary, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e := ix.entries[conversationID]
	if e == nil {
		return ConversationSummary{}, false
	}
	return e.summary, true
}
