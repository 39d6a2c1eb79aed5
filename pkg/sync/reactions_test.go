package sync

import (
	stdsync "sync"
	"testing"

	"chatsync/pkg/models"
)

func TestToggleAddChangeRemove(t *testing.T) {
	a := NewReactionAggregator("alice")

	action, old := a.Toggle("m1", "alice", "❤️")
	if action != models.ReactionAdded || old != "" {
		t.Fatalf("expected added, got %s old=%q", action, old)
	}

	// a different emoji replaces the held one
	action, old = a.Toggle("m1", "alice", "👍")
	if action != models.ReactionChanged || old != "❤️" {
		t.Fatalf("expected changed from ❤️, got %s old=%q", action, old)
	}

	// re-selecting the held emoji clears it
	action, old = a.Toggle("m1", "alice", "👍")
	if action != models.ReactionRemoved || old != "👍" {
		t.Fatalf("expected removed, got %s old=%q", action, old)
	}
	if _, held := a.UserReaction("m1", "alice"); held {
		t.Fatalf("reaction should be cleared")
	}
}

func TestAggregateCountsAndReactedFlag(t *testing.T) {
	a := NewReactionAggregator("alice")
	a.Toggle("m1", "alice", "❤️")
	a.Toggle("m1", "bob", "❤️")
	a.Toggle("m1", "carol", "👍")

	agg := a.Aggregate("m1")
	if agg["❤️"].Count != 2 || !agg["❤️"].Reacted {
		t.Fatalf("hearts bucket wrong: %+v", agg["❤️"])
	}
	if agg["👍"].Count != 1 || agg["👍"].Reacted {
		t.Fatalf("thumbs bucket wrong: %+v", agg["👍"])
	}
}

func TestApplyConfirmedIsIdempotentOverLocalToggle(t *testing.T) {
	a := NewReactionAggregator("alice")
	a.Toggle("m1", "alice", "❤️")
	// the relay echoes the confirmed event back
	a.ApplyConfirmed(ReactionEvent{MessageID: "m1", UserID: "alice", Emoji: "❤️", Action: models.ReactionAdded})

	agg := a.Aggregate("m1")
	if agg["❤️"].Count != 1 {
		t.Fatalf("confirmed echo double-counted: %+v", agg)
	}
}

func TestApplyConfirmedTouchesOnlyReferencedMessage(t *testing.T) {
	a := NewReactionAggregator("alice")
	a.Toggle("m1", "bob", "❤️")
	a.Toggle("m2", "bob", "👍")

	a.ApplyConfirmed(ReactionEvent{MessageID: "m1", UserID: "bob", Emoji: "❤️", Action: models.ReactionRemoved})

	if len(a.Aggregate("m1")) != 0 {
		t.Fatalf("m1 reaction should be gone")
	}
	if a.Aggregate("m2")["👍"].Count != 1 {
		t.Fatalf("m2 state must be untouched")
	}
}

func TestSeedReplacesWholesale(t *testing.T) {
	a := NewReactionAggregator("alice")
	a.Toggle("m1", "alice", "👍")

	a.Seed(map[string][]models.Reaction{
		"m1": {{MessageID: "m1", UserID: "bob", Emoji: "❤️"}},
	})

	agg := a.Aggregate("m1")
	if agg["❤️"].Count != 1 || len(agg) != 1 {
		t.Fatalf("seed did not replace state: %+v", agg)
	}
}

func TestMigrateDoesNotOverwriteSurvivor(t *testing.T) {
	a := NewReactionAggregator("alice")
	a.Toggle("pending-1-alice", "bob", "❤️")
	a.Toggle("m1", "bob", "👍")

	a.Migrate("pending-1-alice", "m1")

	emoji, _ := a.UserReaction("m1", "bob")
	if emoji != "👍" {
		t.Fatalf("survivor state overwritten: %q", emoji)
	}
	if _, held := a.UserReaction("pending-1-alice", "bob"); held {
		t.Fatalf("old id state not dropped")
	}
}

func TestAggregateSafeUnderConcurrentReads(t *testing.T) {
	a := NewReactionAggregator("alice")

	var wg stdsync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				a.Aggregate("m1")
				a.UserReaction("m1", "alice")
			}
		}
	}()

	// Mutate from this goroutine while the reader runs. Without the
	// aggregator's own lock the race detector trips here.
	for i := 0; i < 500; i++ {
		a.Toggle("m1", "alice", "❤️")
		a.Toggle("m1", "alice", "👍")
		a.ApplyConfirmed(ReactionEvent{MessageID: "m1", UserID: "bob", Emoji: "😀", Action: models.ReactionAdded})
		a.Migrate("m1", "m1-next")
		a.Migrate("m1-next", "m1")
	}
	close(stop)
	wg.Wait()

	agg := a.Aggregate("m1")
	if agg["😀"].Count != 1 {
		t.Fatalf("confirmed reaction lost under concurrency: %+v", agg)
	}
}
