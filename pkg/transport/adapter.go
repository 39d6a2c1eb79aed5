package transport

import (
	"context"
	"encoding/json"
	stdsync "sync"

	"chatsync/pkg/feed"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	csync "chatsync/pkg/sync"
)

// Source identifies which channel delivered an occurrence.
type Source string

const (
	SourcePush Source = "push"
	SourceFeed Source = "feed"
)

// Adapter normalizes the push channel, the durable REST API and the
// change feed behind one callback surface and owns the connection
// lifecycle. Consumers see at-least-once delivery; everything
// downstream is idempotent.
type Adapter struct {
	ws   *WSClient
	rest *RESTClient
	feed *feed.Feed

	mu      stdsync.Mutex
	cancels []func()

	cb struct {
		mu             stdsync.RWMutex
		onNewMessage   []func(models.Message, Source)
		onTypingUpdate []func(TypingPayload)
		onStatusUpdate []func(StatusUpdatePayload)
		onNewReaction  []func(ReactionUpdatePayload)
	}
}

// NewAdapter builds an adapter. f may be nil when no in-process change
// feed is available; the REST path then carries reconciliation alone.
func NewAdapter(ws *WSClient, rest *RESTClient, f *feed.Feed) *Adapter {
	a := &Adapter{ws: ws, rest: rest, feed: f}
	if ws != nil {
		ws.OnNewMessage(func(m models.Message) { a.emitMessage(m, SourcePush) })
		ws.OnTypingUpdate(a.emitTyping)
		ws.OnMessageStatusUpdate(a.emitStatus)
		ws.OnNewReaction(a.emitReaction)
	}
	return a
}

// REST exposes the durable-store client.
func (a *Adapter) REST() *RESTClient { return a.rest }

// Push exposes the websocket client, usable as the session's room.
func (a *Adapter) Push() *WSClient { return a.ws }

// State reports the push-channel state, or disconnected without one.
func (a *Adapter) State() State {
	if a.ws == nil {
		return StateDisconnected
	}
	return a.ws.State()
}

// Connect brings the push channel up.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.ws == nil {
		return nil
	}
	return a.ws.Connect(ctx)
}

// Close tears down the push channel and every feed subscription.
func (a *Adapter) Close() error {
	a.mu.Lock()
	cancels := a.cancels
	a.cancels = nil
	a.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	if a.ws == nil {
		return nil
	}
	return a.ws.Disconnect()
}

// OnNewMessage registers a message callback across all sources.
func (a *Adapter) OnNewMessage(h func(models.Message, Source)) {
	a.cb.mu.Lock()
	a.cb.onNewMessage = append(a.cb.onNewMessage, h)
	a.cb.mu.Unlock()
}

// OnTypingUpdate registers a typing callback.
func (a *Adapter) OnTypingUpdate(h func(TypingPayload)) {
	a.cb.mu.Lock()
	a.cb.onTypingUpdate = append(a.cb.onTypingUpdate, h)
	a.cb.mu.Unlock()
}

// OnMessageStatusUpdate registers a status callback.
func (a *Adapter) OnMessageStatusUpdate(h func(StatusUpdatePayload)) {
	a.cb.mu.Lock()
	a.cb.onStatusUpdate = append(a.cb.onStatusUpdate, h)
	a.cb.mu.Unlock()
}

// OnNewReaction registers a reaction callback.
func (a *Adapter) OnNewReaction(h func(ReactionUpdatePayload)) {
	a.cb.mu.Lock()
	a.cb.onNewReaction = append(a.cb.onNewReaction, h)
	a.cb.mu.Unlock()
}

// SubscribeFeed starts consuming the change feed for one conversation
// and translates row notifications into the callback surface. The
// returned cancel stops the subscription.
func (a *Adapter) SubscribeFeed(conversationID string) func() {
	if a.feed == nil {
		return func() {}
	}
	ch, cancel := a.feed.Subscribe(conversationID, 256)
	a.mu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.mu.Unlock()

	go func() {
		for c := range ch {
			a.translateChange(c)
		}
	}()
	return cancel
}

func (a *Adapter) translateChange(c feed.Change) {
	switch c.Kind {
	case feed.MessageUpsert:
		var m models.Message
		if err := json.Unmarshal(c.Payload, &m); err != nil {
			logger.Warn("feed_payload_invalid", "kind", string(c.Kind), "id", c.MessageID, "error", err)
			return
		}
		a.emitMessage(m, SourceFeed)
	case feed.MessageDelete:
		var m models.Message
		if json.Unmarshal(c.Payload, &m) == nil {
			m.Deleted = true
			a.emitMessage(m, SourceFeed)
		}
	case feed.StatusUpdate:
		var status string
		if json.Unmarshal(c.Payload, &status) == nil {
			isRead := models.Status(status) == models.StatusRead
			a.emitStatus(StatusUpdatePayload{MessageID: c.MessageID, ConversationID: c.ConversationID, Status: status, IsRead: isRead})
		}
	case feed.ReactionPut, feed.ReactionDelete:
		var r models.Reaction
		if err := json.Unmarshal(c.Payload, &r); err != nil {
			return
		}
		action := string(models.ReactionAdded)
		if c.Kind == feed.ReactionDelete {
			action = string(models.ReactionRemoved)
		}
		a.emitReaction(ReactionUpdatePayload{MessageID: r.MessageID, ConversationID: c.ConversationID, UserID: r.UserID, Emoji: r.Emoji, Action: action})
	}
}

func (a *Adapter) emitMessage(m models.Message, src Source) {
	a.cb.mu.RLock()
	handlers := append([]func(models.Message, Source){}, a.cb.onNewMessage...)
	a.cb.mu.RUnlock()
	for _, h := range handlers {
		h(m, src)
	}
}

func (a *Adapter) emitTyping(p TypingPayload) {
	a.cb.mu.RLock()
	handlers := append([]func(TypingPayload){}, a.cb.onTypingUpdate...)
	a.cb.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (a *Adapter) emitStatus(p StatusUpdatePayload) {
	a.cb.mu.RLock()
	handlers := append([]func(StatusUpdatePayload){}, a.cb.onStatusUpdate...)
	a.cb.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

func (a *Adapter) emitReaction(p ReactionUpdatePayload) {
	a.cb.mu.RLock()
	handlers := append([]func(ReactionUpdatePayload){}, a.cb.onNewReaction...)
	a.cb.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

// BindSession routes this adapter's events for the session's
// conversation into its dispatch queue and subscribes the change feed.
// The returned cancel detaches the feed subscription; callback
// registrations live for the adapter's lifetime and filter by
// conversation id.
func (a *Adapter) BindSession(s *csync.Session) func() {
	convID := s.ConversationID()

	a.OnNewMessage(func(m models.Message, src Source) {
		if m.ConversationID != convID {
			return
		}
		if m.Deleted {
			s.HandleRemove(m.ID)
			return
		}
		if src == SourceFeed {
			s.HandleFeedMessage(m)
		} else {
			s.HandleNewMessage(m)
		}
	})
	// Status and reaction frames carry the conversation id; frames for
	// other conversations would otherwise accumulate in this session's
	// stash and aggregator for its whole lifetime.
	a.OnMessageStatusUpdate(func(p StatusUpdatePayload) {
		if p.ConversationID != "" && p.ConversationID != convID {
			return
		}
		s.HandleStatusUpdate(p.MessageID, models.Status(p.Status))
	})
	a.OnNewReaction(func(p ReactionUpdatePayload) {
		if p.ConversationID != "" && p.ConversationID != convID {
			return
		}
		s.HandleReaction(csync.ReactionEvent{
			MessageID: p.MessageID,
			UserID:    p.UserID,
			Emoji:     p.Emoji,
			Action:    models.ReactionAction(p.Action),
			OldEmoji:  p.OldEmoji,
		})
	})

	return a.SubscribeFeed(convID)
}
