package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
)

type fakeCreator struct {
	mu   stdsync.Mutex
	fail bool
}

func (c *fakeCreator) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *fakeCreator) CreateMessage(_ context.Context, m models.Message) (models.Message, error) {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return models.Message{}, errors.New("create rejected")
	}
	m.ID = models.GenID()
	return m, nil
}

type fakeRoom struct {
	mu        stdsync.Mutex
	joins     []string
	leaves    []string
	typing    []bool
	statuses  []models.Status
	reactions []string
}

func (r *fakeRoom) JoinChat(_ context.Context, _, chatID string) error {
	r.mu.Lock()
	r.joins = append(r.joins, chatID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) LeaveChat(_ context.Context, chatID string) error {
	r.mu.Lock()
	r.leaves = append(r.leaves, chatID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) SendTyping(_ context.Context, _ string, typing bool) error {
	r.mu.Lock()
	r.typing = append(r.typing, typing)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) SendStatus(_ context.Context, _ string, status models.Status) error {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) SendReaction(_ context.Context, _, _, emoji string) error {
	r.mu.Lock()
	r.reactions = append(r.reactions, emoji)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) typingSignals() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.typing...)
}

func (r *fakeRoom) reactionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reactions)
}

func TestSessionOptimisticSendConvergesToDurable(t *testing.T) {
	s := NewSession("alice", "bob", SessionOptions{Creator: &fakeCreator{}})
	s.Start(context.Background())
	defer s.Close()

	provID, err := s.Send(context.Background(), "hello", "", models.TypeText, "")
	require.NoError(t, err)
	require.True(t, models.IsProvisional(provID))

	// the provisional entry is visible before the durable create resolves
	require.Eventually(t, func() bool {
		return len(s.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && !models.IsProvisional(snap[0].ID)
	}, time.Second, 5*time.Millisecond, "provisional entry never replaced")

	snap := s.Snapshot()
	require.Equal(t, "hello", snap[0].Content)
	require.Equal(t, models.StatusSent, snap[0].Status)
}

func TestSessionFailedSendRollsBackAndRetries(t *testing.T) {
	creator := &fakeCreator{fail: true}
	s := NewSession("alice", "bob", SessionOptions{Creator: creator})
	s.Start(context.Background())
	defer s.Close()

	provID, err := s.Send(context.Background(), "doomed", "", models.TypeText, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.Snapshot()) == 0 && len(s.FailedSends()) == 1
	}, time.Second, 5*time.Millisecond, "send never rolled back")

	rec := s.FailedSends()[0]
	require.Equal(t, provID, rec.ProvisionalID)
	require.Equal(t, "doomed", rec.Content)

	creator.setFail(false)
	_, err = s.Retry(context.Background(), provID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && !models.IsProvisional(snap[0].ID) && len(s.FailedSends()) == 0
	}, time.Second, 5*time.Millisecond, "retry never settled")

	_, err = s.Retry(context.Background(), provID)
	require.ErrorIs(t, err, ErrUnknownSend)
}

func TestSessionAutoReadsInboundPeerMessage(t *testing.T) {
	var persisted []string
	var mu stdsync.Mutex
	persist := func(id string, status models.Status) (bool, error) {
		mu.Lock()
		persisted = append(persisted, id)
		mu.Unlock()
		return true, nil
	}
	room := &fakeRoom{}
	s := NewSession("alice", "bob", SessionOptions{
		Room:      room,
		ReadDelay: 10 * time.Millisecond,
		Persist:   persist,
		Broadcast: func(id string, status models.Status) error { return room.SendStatus(context.Background(), id, status) },
	})
	s.Start(context.Background())
	defer s.Close()

	s.HandleNewMessage(msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusDelivered))

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].Status == models.StatusRead
	}, time.Second, 5*time.Millisecond, "inbound message never auto-read")

	mu.Lock()
	require.Equal(t, []string{"m1"}, persisted)
	mu.Unlock()

	// re-delivery of the same message must not schedule a second read
	s.HandleNewMessage(msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusDelivered))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Len(t, persisted, 1)
	mu.Unlock()
}

func TestSessionOwnMessagesNeverAutoRead(t *testing.T) {
	var mu stdsync.Mutex
	calls := 0
	persist := func(string, models.Status) (bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return true, nil
	}
	s := NewSession("alice", "bob", SessionOptions{ReadDelay: 10 * time.Millisecond, Persist: persist})
	s.Start(context.Background())
	defer s.Close()

	s.HandleNewMessage(msg("m1", "alice", "mine", time.Now().UnixNano(), models.StatusSent))

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	require.Zero(t, calls, "own message was auto-read")
	mu.Unlock()
}

func TestSessionReactionTogglePushesToRoom(t *testing.T) {
	room := &fakeRoom{}
	s := NewSession("alice", "bob", SessionOptions{Room: room})
	s.Start(context.Background())

	s.HandleNewMessage(msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusSent))
	require.NoError(t, s.ToggleReaction("m1", "❤️"))

	require.Eventually(t, func() bool {
		return room.reactionCount() == 1
	}, time.Second, 5*time.Millisecond, "reaction never emitted")

	s.Close()
	agg := s.Reactions("m1")
	require.Equal(t, 1, agg["❤️"].Count)
	require.True(t, agg["❤️"].Reacted)
}

func TestSessionReactionsReadableWhileDispatching(t *testing.T) {
	s := NewSession("alice", "bob", SessionOptions{})
	s.Start(context.Background())
	defer s.Close()

	s.HandleNewMessage(msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusSent))

	// Read aggregates from this goroutine while the dispatch loop is
	// busy toggling. The aggregate must stay readable at any point; the
	// race detector validates the locking.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = s.ToggleReaction("m1", "❤️")
			_ = s.ToggleReaction("m1", "👍")
		}
	}()
	for {
		select {
		case <-done:
			// the last applied toggle leaves 👍 held
			require.Eventually(t, func() bool {
				agg := s.Reactions("m1")
				return agg["👍"].Count == 1 && agg["👍"].Reacted
			}, time.Second, 5*time.Millisecond, "toggles never settled")
			return
		default:
			_ = s.Reactions("m1")
		}
	}
}

func TestSessionTypingAutoStops(t *testing.T) {
	room := &fakeRoom{}
	s := NewSession("alice", "bob", SessionOptions{Room: room, TypingTimeout: 20 * time.Millisecond})
	s.Start(context.Background())
	defer s.Close()

	s.SetTyping(context.Background(), true)

	require.Eventually(t, func() bool {
		sig := room.typingSignals()
		return len(sig) == 2 && sig[0] && !sig[1]
	}, time.Second, 5*time.Millisecond, "typing stop never fired")
}

func TestSessionCloseLeavesRoomAndStopsDispatch(t *testing.T) {
	room := &fakeRoom{}
	s := NewSession("alice", "bob", SessionOptions{Room: room})
	s.Start(context.Background())
	s.Close()

	room.mu.Lock()
	require.Equal(t, []string{"alice_bob"}, room.joins)
	require.Equal(t, []string{"alice_bob"}, room.leaves)
	room.mu.Unlock()

	require.Error(t, s.MarkRead("m1"))
	// Close is idempotent
	s.Close()
}
