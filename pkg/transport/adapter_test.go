package transport

import (
	"context"
	"testing"
	"time"

	"chatsync/pkg/models"
	csync "chatsync/pkg/sync"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s", msg)
}

func statusOf(s *csync.Session, id string) (models.Status, bool) {
	for _, m := range s.Snapshot() {
		if m.ID == id {
			return m.Status, true
		}
	}
	return "", false
}

// A shared adapter may carry several open conversations. Status frames
// scoped to one conversation must not mutate another session even when
// both happen to know the message id.
func TestBindSessionScopesStatusUpdates(t *testing.T) {
	a := NewAdapter(nil, nil, nil)

	ab := csync.NewSession("alice", "bob", csync.SessionOptions{})
	ac := csync.NewSession("alice", "carol", csync.SessionOptions{})
	ab.Start(context.Background())
	ac.Start(context.Background())
	defer ab.Close()
	defer ac.Close()
	defer a.BindSession(ab)()
	defer a.BindSession(ac)()

	now := time.Now().UnixNano()
	a.emitMessage(models.Message{
		ID: "m1", ConversationID: "alice_bob", SenderID: "alice",
		Content: "hi", CreatedAt: now, Status: models.StatusSent, Type: models.TypeText,
	}, SourcePush)
	waitFor(t, func() bool {
		_, ok := statusOf(ab, "m1")
		return ok
	}, "message never reached the alice_bob session")

	// A frame for the other conversation that names the same id must be
	// ignored by alice_bob.
	a.emitStatus(StatusUpdatePayload{MessageID: "m1", ConversationID: "alice_carol", Status: string(models.StatusRead), IsRead: true})
	// A correctly scoped frame applies; the dispatch queue is FIFO, so
	// once this lands the foreign frame above was already processed.
	a.emitStatus(StatusUpdatePayload{MessageID: "m1", ConversationID: "alice_bob", Status: string(models.StatusDelivered)})

	waitFor(t, func() bool {
		st, _ := statusOf(ab, "m1")
		return st == models.StatusDelivered
	}, "scoped status update never applied")
	if st, _ := statusOf(ab, "m1"); st == models.StatusRead {
		t.Fatalf("foreign conversation's status frame leaked into alice_bob")
	}
}

func TestBindSessionScopesReactionUpdates(t *testing.T) {
	a := NewAdapter(nil, nil, nil)

	ab := csync.NewSession("alice", "bob", csync.SessionOptions{})
	ab.Start(context.Background())
	defer ab.Close()
	defer a.BindSession(ab)()

	now := time.Now().UnixNano()
	a.emitMessage(models.Message{
		ID: "m1", ConversationID: "alice_bob", SenderID: "bob",
		Content: "hi", CreatedAt: now, Status: models.StatusSent, Type: models.TypeText,
	}, SourcePush)

	a.emitReaction(ReactionUpdatePayload{MessageID: "m1", ConversationID: "alice_carol", UserID: "carol", Emoji: "❤️", Action: string(models.ReactionAdded)})
	a.emitReaction(ReactionUpdatePayload{MessageID: "m1", ConversationID: "alice_bob", UserID: "bob", Emoji: "👍", Action: string(models.ReactionAdded)})

	waitFor(t, func() bool {
		return ab.Reactions("m1")["👍"].Count == 1
	}, "scoped reaction never applied")
	if ab.Reactions("m1")["❤️"].Count != 0 {
		t.Fatalf("foreign conversation's reaction leaked into alice_bob")
	}
}
