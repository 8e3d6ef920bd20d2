package conversync

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// msg builds a message n seconds after the base time, with a zero-padded id
// so lexical id order matches numeric order.
func msg(chatID string, n int) Message {
	return Message{
		ID:             fmt.Sprintf("m-%03d", n),
		ConversationID: chatID,
		SenderID:       "client-1",
		ReceiverID:     "staff-1",
		Body:           fmt.Sprintf("message %d", n),
		CreatedAt:      testBase.Add(time.Duration(n) * time.Second),
	}
}

func collect(seq func(func(Message) bool)) []Message {
	var out []Message
	for m := range seq {
		out = append(out, m)
	}
	return out
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// ============================================================================
// Ordering and Dedup
// ============================================================================

func TestStoreOrderedAscending(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")

	// Insert out of order.
	for _, n := range []int{5, 1, 3, 2, 4} {
		s.ApplyIncoming(msg("chat-1", n))
	}

	got := collect(s.Ordered("chat-1"))
	require.Len(t, got, 5)
	assert.Equal(t, []string{"m-001", "m-002", "m-003", "m-004", "m-005"}, ids(got))
}

func TestStoreDuplicateDeliveryIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")

	m := msg("chat-1", 1)
	require.True(t, s.ApplyIncoming(m))
	require.False(t, s.ApplyIncoming(m), "second delivery must be absorbed")
	require.False(t, s.ApplyIncoming(m))

	assert.Equal(t, 1, s.Len("chat-1"))
}

func TestStoreEqualTimestampsBreakTiesByID(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")

	a := Message{ID: "m-b", ConversationID: "chat-1", CreatedAt: testBase}
	b := Message{ID: "m-a", ConversationID: "chat-1", CreatedAt: testBase}
	s.ApplyIncoming(a)
	s.ApplyIncoming(b)

	got := collect(s.Ordered("chat-1"))
	assert.Equal(t, []string{"m-a", "m-b"}, ids(got))
}

func TestStorePermutedDeliveryConverges(t *testing.T) {
	// Any interleaving of snapshot and incoming events must converge on the
	// same ordered set with no loss and no duplicates.
	var all []Message
	for n := 1; n <= 8; n++ {
		all = append(all, msg("chat-1", n))
	}
	snapshot := all[:5]

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		s := NewMessageStore()
		s.Track("chat-1")

		perm := rng.Perm(len(all))
		applySnapshotAt := rng.Intn(len(all) + 1)
		for i, pi := range perm {
			if i == applySnapshotAt {
				s.ApplySnapshot("chat-1", snapshot)
			}
			s.ApplyIncoming(all[pi])
		}
		if applySnapshotAt == len(all) {
			s.ApplySnapshot("chat-1", snapshot)
		}

		got := collect(s.Ordered("chat-1"))
		require.Len(t, got, len(all), "trial %d lost or duplicated messages", trial)
		for i := 1; i < len(got); i++ {
			require.True(t, got[i-1].Before(got[i]), "trial %d out of order at %d", trial, i)
		}
	}
}

// ============================================================================
// Snapshot Merge
// ============================================================================

func TestStoreSnapshotThenPush(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")

	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 1)})
	s.ApplyIncoming(msg("chat-1", 2))

	got := collect(s.Ordered("chat-1"))
	assert.Equal(t, []string{"m-001", "m-002"}, ids(got))
}

func TestStoreSnapshotMergeKeepsPriorMessages(t *testing.T) {
	// A re-fetch covering only part of the history must not erase messages
	// loaded earlier.
	s := NewMessageStore()
	s.Track("chat-1")
	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 1), msg("chat-1", 2), msg("chat-1", 3)})

	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 3), msg("chat-1", 4)})

	got := collect(s.Ordered("chat-1"))
	assert.Equal(t, []string{"m-001", "m-002", "m-003", "m-004"}, ids(got))
}

func TestStoreSnapshotWinsOnCollision(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")

	local := msg("chat-1", 1)
	local.Read = false
	s.ApplyIncoming(local)

	fetched := local
	fetched.Read = true
	s.ApplySnapshot("chat-1", []Message{fetched})

	got, ok := s.Get("chat-1", local.ID)
	require.True(t, ok)
	assert.True(t, got.Read, "fetched copy must replace the stored one")
	assert.Equal(t, 1, s.Len("chat-1"))
}

func TestStoreReconnectGapMergeNoDuplicates(t *testing.T) {
	// Disconnect gap: store holds [1,2], push delivers 3 during the
	// re-fetch window, then the re-snapshot arrives with [1,2,3].
	s := NewMessageStore()
	s.Track("chat-1")
	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 1), msg("chat-1", 2)})

	s.ApplyIncoming(msg("chat-1", 3))
	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 1), msg("chat-1", 2), msg("chat-1", 3)})

	got := collect(s.Ordered("chat-1"))
	assert.Equal(t, []string{"m-001", "m-002", "m-003"}, ids(got))
}

// ============================================================================
// Orphan Buffer
// ============================================================================

func TestStoreOrphanReplayOnTrack(t *testing.T) {
	s := NewMessageStore()

	require.False(t, s.ApplyIncoming(msg("chat-1", 1)), "untracked delivery is buffered, not applied")
	require.False(t, s.ApplyIncoming(msg("chat-1", 2)))
	assert.Equal(t, 0, s.Len("chat-1"))

	replayed := s.Track("chat-1")
	assert.Equal(t, 2, replayed)
	assert.Equal(t, []string{"m-001", "m-002"}, ids(collect(s.Ordered("chat-1"))))
}

func TestStoreOrphanReplayOnSnapshot(t *testing.T) {
	s := NewMessageStore()
	s.ApplyIncoming(msg("chat-1", 3))

	s.ApplySnapshot("chat-1", []Message{msg("chat-1", 1), msg("chat-1", 2)})

	assert.Equal(t, []string{"m-001", "m-002", "m-003"}, ids(collect(s.Ordered("chat-1"))))
}

func TestStoreOrphanRetentionWindow(t *testing.T) {
	s := NewMessageStore()
	now := testBase
	s.now = func() time.Time { return now }

	s.ApplyIncoming(msg("chat-1", 1))
	now = now.Add(orphanRetention + time.Second)
	s.ApplyIncoming(msg("chat-1", 2))

	replayed := s.Track("chat-1")
	assert.Equal(t, 1, replayed, "expired orphan must not replay")
	assert.Equal(t, []string{"m-002"}, ids(collect(s.Ordered("chat-1"))))
}

func TestStoreOrphanCapEvictsOldest(t *testing.T) {
	s := NewMessageStore()

	for n := 1; n <= orphanCap+10; n++ {
		s.ApplyIncoming(msg("chat-1", n))
	}

	replayed := s.Track("chat-1")
	assert.Equal(t, orphanCap, replayed)

	got := collect(s.Ordered("chat-1"))
	require.Len(t, got, orphanCap)
	// The ten oldest were evicted.
	assert.Equal(t, "m-011", got[0].ID)
}

func TestStoreForgetMovesDeliveriesBackToOrphans(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")
	s.ApplyIncoming(msg("chat-1", 1))

	s.Forget("chat-1")
	assert.False(t, s.Tracked("chat-1"))
	assert.False(t, s.ApplyIncoming(msg("chat-1", 2)))

	replayed := s.Track("chat-1")
	assert.Equal(t, 1, replayed)
	assert.Equal(t, []string{"m-002"}, ids(collect(s.Ordered("chat-1"))))
}

// ============================================================================
// Accessors
// ============================================================================

func TestStoreLastAndGet(t *testing.T) {
	s := NewMessageStore()

	_, ok := s.Last("chat-1")
	assert.False(t, ok)

	s.Track("chat-1")
	s.ApplyIncoming(msg("chat-1", 2))
	s.ApplyIncoming(msg("chat-1", 1))

	last, ok := s.Last("chat-1")
	require.True(t, ok)
	assert.Equal(t, "m-002", last.ID)

	got, ok := s.Get("chat-1", "m-001")
	require.True(t, ok)
	assert.Equal(t, "message 1", got.Body)

	_, ok = s.Get("chat-1", "m-999")
	assert.False(t, ok)
}

func TestStoreOrderedIsPointInTimeCopy(t *testing.T) {
	s := NewMessageStore()
	s.Track("chat-1")
	s.ApplyIncoming(msg("chat-1", 1))

	seq := s.Ordered("chat-1")
	first := collect(seq)

	s.ApplyIncoming(msg("chat-1", 2))
	second := collect(seq)

	assert.Len(t, first, 1)
	assert.Len(t, second, 2, "sequence is restartable and sees new state on restart")
}
