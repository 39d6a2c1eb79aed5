package models

// Reaction is one user's active reaction on a message. A user holds at
// most one active reaction per message; selecting a different emoji
// replaces the previous one and re-selecting the same emoji clears it.
type Reaction struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	// CreatedAt is a UTC timestamp (ns)
	CreatedAt int64 `json:"created_at"`
}

// ReactionAction describes the outcome of a reaction toggle.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
	ReactionChanged ReactionAction = "changed"
)

// EmojiBucket is the derived per-emoji view of a message's reactions.
type EmojiBucket struct {
	Count int `json:"count"`
	// Reacted is true when the current user contributed to this bucket.
	Reacted bool `json:"reacted"`
}

// ReactionAggregate maps emoji -> derived bucket. It is recomputed from
// the per-user exclusive reaction state, never mutated incrementally by
// remote events.
type ReactionAggregate map[string]EmojiBucket

// Aggregate derives the per-emoji view from a reaction list. currentUser
// sets the Reacted flag on the bucket holding that user's reaction.
func Aggregate(reactions []Reaction, currentUser string) ReactionAggregate {
	out := make(ReactionAggregate, len(reactions))
	for _, r := range reactions {
		b := out[r.Emoji]
		b.Count++
		if r.UserID == currentUser {
			b.Reacted = true
		}
		out[r.Emoji] = b
	}
	return out
}
