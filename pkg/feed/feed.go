// Package feed delivers row-level change notifications from the durable
// store to in-process subscribers, scoped per conversation. Delivery is
// at-least-once from the consumer's point of view: a slow subscriber may
// miss changes (dropped, counted) and is expected to re-sync over REST.
package feed

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"chatsync/pkg/logger"
)

// ChangeKind identifies which table/field group a Change describes.
type ChangeKind string

const (
	MessageUpsert  ChangeKind = "message_upsert"
	MessageDelete  ChangeKind = "message_delete"
	StatusUpdate   ChangeKind = "status_update"
	ReactionPut    ChangeKind = "reaction_put"
	ReactionDelete ChangeKind = "reaction_delete"
)

// Change is one row-level notification.
type Change struct {
	Kind           ChangeKind      `json:"kind"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	// Payload carries the new row value (message JSON, reaction JSON, or
	// a status value) depending on Kind.
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscriber struct {
	id int64
	ch chan Change
}

// Feed fans out changes to per-conversation subscribers.
type Feed struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	nextID  int64
	dropped uint64
}

// New returns an empty Feed.
func New() *Feed {
	return &Feed{subs: make(map[string][]*subscriber)}
}

// Subscribe registers a subscriber for one conversation. The returned
// cancel func must be called on teardown; after cancel returns the
// channel is closed and will not be written again.
func (f *Feed) Subscribe(conversationID string, buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	f.mu.Lock()
	f.nextID++
	sub := &subscriber{id: f.nextID, ch: make(chan Change, buffer)}
	f.subs[conversationID] = append(f.subs[conversationID], sub)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		list := f.subs[conversationID]
		for i, s := range list {
			if s.id == sub.id {
				f.subs[conversationID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(f.subs[conversationID]) == 0 {
			delete(f.subs, conversationID)
		}
		f.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers c to every subscriber of its conversation without
// blocking. Full subscriber buffers drop the change.
func (f *Feed) Publish(c Change) {
	f.mu.RLock()
	list := f.subs[c.ConversationID]
	for _, s := range list {
		select {
		case s.ch <- c:
		default:
			atomic.AddUint64(&f.dropped, 1)
			logger.Warn("feed_subscriber_full", "conversation", c.ConversationID, "kind", string(c.Kind))
		}
	}
	f.mu.RUnlock()
}

// Dropped returns the number of changes dropped on full subscriber buffers.
func (f *Feed) Dropped() uint64 { return atomic.LoadUint64(&f.dropped) }

// Subscribers returns the subscriber count for a conversation.
func (f *Feed) Subscribers(conversationID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[conversationID])
}
