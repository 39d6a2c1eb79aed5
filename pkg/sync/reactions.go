package sync

import (
	stdsync "sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// ReactionAggregator keeps the per-message, per-user-exclusive reaction
// state for one conversation and derives per-emoji aggregates from it.
// A user holds at most one reaction per message. Confirmed events only
// ever touch the state of the message they reference; there is no bulk
// resync across messages. Mutation runs on the dispatch goroutine but
// aggregates are read from anywhere, so the state carries its own lock.
type ReactionAggregator struct {
	selfID string
	mu     stdsync.Mutex
	// state maps messageID -> userID -> emoji.
	state map[string]map[string]string
}

// NewReactionAggregator builds an empty aggregator for the given user.
func NewReactionAggregator(selfID string) *ReactionAggregator {
	return &ReactionAggregator{
		selfID: selfID,
		state:  make(map[string]map[string]string),
	}
}

// Seed installs authoritative reaction lists, typically the result of a
// bulk fetch when a page of messages is first loaded. Each message's
// state is replaced wholesale; messages absent from the input are left
// alone.
func (a *ReactionAggregator) Seed(byMessage map[string][]models.Reaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for msgID, list := range byMessage {
		users := make(map[string]string, len(list))
		for _, r := range list {
			users[r.UserID] = r.Emoji
		}
		if len(users) == 0 {
			delete(a.state, msgID)
			continue
		}
		a.state[msgID] = users
	}
}

// Toggle applies a local optimistic toggle and reports what happened.
// Re-selecting the held emoji clears it, a different emoji replaces it,
// no prior reaction adds one.
func (a *ReactionAggregator) Toggle(messageID, userID, emoji string) (models.ReactionAction, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	users := a.state[messageID]
	if users == nil {
		users = make(map[string]string)
		a.state[messageID] = users
	}
	old, had := users[userID]
	switch {
	case had && old == emoji:
		delete(users, userID)
		if len(users) == 0 {
			delete(a.state, messageID)
		}
		return models.ReactionRemoved, old
	case had:
		users[userID] = emoji
		return models.ReactionChanged, old
	default:
		users[userID] = emoji
		return models.ReactionAdded, ""
	}
}

// ApplyConfirmed folds a confirmed reaction event into the referenced
// message's state. The event subsumes the optimistic local toggle when
// both occurred, so re-applying is harmless.
func (a *ReactionAggregator) ApplyConfirmed(ev ReactionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev.Action {
	case models.ReactionRemoved:
		if users := a.state[ev.MessageID]; users != nil {
			delete(users, ev.UserID)
			if len(users) == 0 {
				delete(a.state, ev.MessageID)
			}
		}
	case models.ReactionAdded, models.ReactionChanged:
		users := a.state[ev.MessageID]
		if users == nil {
			users = make(map[string]string)
			a.state[ev.MessageID] = users
		}
		users[ev.UserID] = ev.Emoji
	default:
		logger.Debug("reaction_event_ignored", "message", ev.MessageID, "action", string(ev.Action))
	}
}

// Aggregate derives the emoji -> {count, reacted} view for one
// message. Safe to call from any goroutine; the result is a fresh map.
func (a *ReactionAggregator) Aggregate(messageID string) models.ReactionAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	users := a.state[messageID]
	out := make(models.ReactionAggregate, len(users))
	for userID, emoji := range users {
		b := out[emoji]
		b.Count++
		if userID == a.selfID {
			b.Reacted = true
		}
		out[emoji] = b
	}
	return out
}

// UserReaction returns the emoji the given user currently holds on a
// message, if any.
func (a *ReactionAggregator) UserReaction(messageID, userID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	emoji, ok := a.state[messageID][userID]
	return emoji, ok
}

// Migrate re-keys a message's reaction state after an id replacement.
func (a *ReactionAggregator) Migrate(oldID, newID string) {
	if oldID == newID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	old, ok := a.state[oldID]
	if !ok {
		return
	}
	delete(a.state, oldID)
	if cur, exists := a.state[newID]; exists {
		for userID, emoji := range old {
			if _, held := cur[userID]; !held {
				cur[userID] = emoji
			}
		}
		return
	}
	a.state[newID] = old
}

// Drop discards a removed message's reaction state.
func (a *ReactionAggregator) Drop(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.state, messageID)
}
