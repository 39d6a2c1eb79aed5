package sync

import (
	"testing"
	"time"

	"chatsync/pkg/models"
)

func newTestEngine() *Engine {
	cache := NewCache("alice_bob")
	return NewEngine(cache, nil, NewReactionAggregator("alice"), nil, nil, 5*time.Second, 25)
}

func TestAbsorbPushTwiceIsIdempotent(t *testing.T) {
	e := newTestEngine()
	m := msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &m})
	e.Absorb(Event{Kind: EvPush, Msg: &m})
	if e.Cache().Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", e.Cache().Len())
	}
}

func TestCrossChannelDedupMatchesProvisional(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	prov := msg("pending-1-alice", "alice", "hi", base, models.StatusSent)
	e.Absorb(Event{Kind: EvLocal, Msg: &prov})

	// The same logical message comes back through the feed under its
	// durable id with a server-assigned timestamp 2s later.
	durable := msg("m1", "alice", "hi", base+2*int64(time.Second), models.StatusSent)
	e.Absorb(Event{Kind: EvFeed, Msg: &durable})

	if e.Cache().Len() != 1 {
		t.Fatalf("expected the provisional entry to be replaced, got %d entries: %v",
			e.Cache().Len(), ids(e.Cache().Snapshot()))
	}
	if _, ok := e.Cache().Get("m1"); !ok {
		t.Fatalf("durable id not resolvable after dedup")
	}
}

func TestCrossChannelDedupRespectsWindow(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	prov := msg("pending-1-alice", "alice", "hi", base, models.StatusSent)
	e.Absorb(Event{Kind: EvLocal, Msg: &prov})

	// Same sender and content but 10s apart: a genuinely distinct message.
	later := msg("m1", "alice", "hi", base+10*int64(time.Second), models.StatusSent)
	e.Absorb(Event{Kind: EvFeed, Msg: &later})

	if e.Cache().Len() != 2 {
		t.Fatalf("messages outside the window must both survive, got %d", e.Cache().Len())
	}
}

func TestCrossChannelDedupNeverMatchesDurable(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	first := msg("m1", "alice", "hi", base, models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &first})

	// Identical content from the same sender within the window, but the
	// cached entry is durable, so this is a real repeat message.
	second := msg("m2", "alice", "hi", base+int64(time.Second), models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &second})

	if e.Cache().Len() != 2 {
		t.Fatalf("durable entries must never be dedup targets, got %d", e.Cache().Len())
	}
}

func TestDurableConfirmReplacesProvisional(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	prov := msg("pending-1-alice", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvLocal, Msg: &prov})

	durable := msg("m1", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvDurable, Msg: &durable, ReplaceID: "pending-1-alice"})

	snap := e.Cache().Snapshot()
	if len(snap) != 1 || snap[0].ID != "m1" {
		t.Fatalf("expected single durable entry, got %v", ids(snap))
	}
}

func TestDurableConfirmAfterFeedWins(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	prov := msg("pending-1-alice", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvLocal, Msg: &prov})

	// Feed row lands first and is heuristically matched.
	feedRow := msg("m1", "alice", "hello", base, models.StatusDelivered)
	e.Absorb(Event{Kind: EvFeed, Msg: &feedRow})

	// The create response arrives late, naming the already-replaced id.
	durable := msg("m1", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvDurable, Msg: &durable, ReplaceID: "pending-1-alice"})

	snap := e.Cache().Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %v", ids(snap))
	}
	if snap[0].Status != models.StatusDelivered {
		t.Fatalf("status regressed by late confirm: %s", snap[0].Status)
	}
}

func TestReactionMigratesAcrossReplacement(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	prov := msg("pending-1-alice", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvLocal, Msg: &prov})
	e.Absorb(Event{Kind: EvReaction, Reaction: &ReactionEvent{
		MessageID: "pending-1-alice", UserID: "bob", Emoji: "❤️", Action: models.ReactionAdded,
	}})

	durable := msg("m1", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvDurable, Msg: &durable, ReplaceID: "pending-1-alice"})

	agg := e.agg.Aggregate("m1")
	if agg["❤️"].Count != 1 {
		t.Fatalf("reaction lost across id replacement: %+v", agg)
	}
}

func TestRemoveDropsSideState(t *testing.T) {
	e := newTestEngine()
	m := msg("m1", "bob", "hey", time.Now().UnixNano(), models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &m})
	e.Absorb(Event{Kind: EvReaction, Reaction: &ReactionEvent{
		MessageID: "m1", UserID: "alice", Emoji: "👍", Action: models.ReactionAdded,
	}})
	e.Absorb(Event{Kind: EvRemove, MessageID: "m1"})

	if e.Cache().Len() != 0 {
		t.Fatalf("entry not removed")
	}
	if agg := e.agg.Aggregate("m1"); len(agg) != 0 {
		t.Fatalf("reaction state not dropped: %+v", agg)
	}
}

func TestPageMergePreservesLiveEntries(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	live := msg("m10", "bob", "newest", base, models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &live})

	page := []models.Message{
		msg("m1", "alice", "old-a", base-3*int64(time.Second), models.StatusRead),
		msg("m2", "bob", "old-b", base-2*int64(time.Second), models.StatusRead),
		msg("m10", "bob", "newest", base, models.StatusDelivered),
	}
	e.Absorb(Event{Kind: EvPage, Messages: page, NextCursor: "cursor-1"})

	got := ids(e.Cache().Snapshot())
	want := []string{"m1", "m2", "m10"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	m, _ := e.Cache().Get("m10")
	if m.Status != models.StatusDelivered {
		t.Fatalf("page merge should advance status, got %s", m.Status)
	}
}

func TestLateProvisionalDroppedWhenDurableLandedFirst(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	durable := msg("msg-1", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvFeed, Msg: &durable})

	// The optimistic push frame straggles in after its durable record.
	// It must not create a second entry.
	prov := msg("pending-1-alice", "alice", "hello", base+int64(2*time.Second), models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &prov})

	snap := e.Cache().Snapshot()
	if len(snap) != 1 || snap[0].ID != "msg-1" {
		t.Fatalf("late provisional not dropped: %v", ids(snap))
	}
}

func TestLateProvisionalOutsideWindowStillAppends(t *testing.T) {
	e := newTestEngine()
	base := time.Now().UnixNano()

	durable := msg("msg-1", "alice", "hello", base, models.StatusSent)
	e.Absorb(Event{Kind: EvFeed, Msg: &durable})

	prov := msg("pending-1-alice", "alice", "hello", base+int64(10*time.Second), models.StatusSent)
	e.Absorb(Event{Kind: EvPush, Msg: &prov})

	if e.Cache().Len() != 2 {
		t.Fatalf("provisional outside the window must append, got %d entries", e.Cache().Len())
	}
}

func TestPageMergeSchedulesAutoRead(t *testing.T) {
	q := NewQueue(8)
	cache := NewCache("alice_bob")
	tracker := NewStatusTracker(cache, q, "alice", 10*time.Millisecond, nil, nil)
	e := NewEngine(cache, tracker, nil, nil, nil, 5*time.Second, 25)
	defer tracker.CancelAll()

	base := time.Now().UnixNano()
	e.Absorb(Event{Kind: EvPage, Messages: []models.Message{
		msg("m1", "bob", "unread", base, models.StatusDelivered),
		msg("m2", "alice", "own", base+1, models.StatusSent),
		msg("m3", "bob", "seen before", base+2, models.StatusRead),
	}})

	select {
	case ev := <-q.Out():
		if ev.Kind != EvStatus || ev.MessageID != "m1" || ev.Status != models.StatusRead || !ev.Local {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("auto-read never scheduled for page-merged peer message")
	}

	// Own messages and already-read history must not fire.
	select {
	case ev := <-q.Out():
		t.Fatalf("unexpected extra auto-read %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
