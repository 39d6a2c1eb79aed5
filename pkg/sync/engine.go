package sync

import (
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// Engine is the reconciliation core for one conversation. Absorb is the
// single entry point for every inbound occurrence: optimistic local
// inserts, push messages, durable-create responses, change-feed rows,
// status updates and reaction confirmations. It is driven by exactly
// one dispatch goroutine, so no locking happens here.
type Engine struct {
	cache   *ConversationCache
	tracker *StatusTracker
	agg     *ReactionAggregator
	pager   *Paginator
	writer  *Writer

	// window is the cross-channel match tolerance on CreatedAt.
	window   time.Duration
	pageSize int
}

// NewEngine wires the reconciliation engine over its collaborators. Any
// collaborator may be nil; the corresponding event kinds then reduce to
// pure cache mutations.
func NewEngine(cache *ConversationCache, tracker *StatusTracker, agg *ReactionAggregator, pager *Paginator, writer *Writer, window time.Duration, pageSize int) *Engine {
	if window <= 0 {
		window = 5 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	return &Engine{
		cache:    cache,
		tracker:  tracker,
		agg:      agg,
		pager:    pager,
		writer:   writer,
		window:   window,
		pageSize: pageSize,
	}
}

// Cache exposes the engine's conversation cache.
func (e *Engine) Cache() *ConversationCache { return e.cache }

// Absorb merges one inbound event into the conversation state.
func (e *Engine) Absorb(ev Event) {
	switch ev.Kind {
	case EvLocal:
		if ev.Msg == nil {
			return
		}
		e.cache.Upsert(*ev.Msg)
		if e.pager != nil {
			e.pager.OnLiveAppend()
		}

	case EvPush, EvFeed:
		if ev.Msg == nil {
			return
		}
		e.absorbMessage(*ev.Msg, ev.Kind)

	case EvDurable:
		if ev.Msg == nil {
			return
		}
		if ev.ReplaceID != "" {
			e.confirmDurable(ev.ReplaceID, *ev.Msg)
		} else {
			e.absorbMessage(*ev.Msg, ev.Kind)
		}

	case EvStatus:
		if e.tracker != nil {
			e.tracker.Apply(ev.MessageID, ev.Status, ev.Local)
		} else {
			e.cache.ApplyStatus(ev.MessageID, ev.Status)
		}

	case EvReaction:
		if e.agg != nil && ev.Reaction != nil {
			e.agg.ApplyConfirmed(*ev.Reaction)
		}

	case EvRemove:
		e.cache.Remove(ev.MessageID)
		if e.agg != nil {
			e.agg.Drop(ev.MessageID)
		}
		if e.tracker != nil {
			e.tracker.Forget(ev.MessageID)
		}

	case EvSendFailed:
		e.cache.Remove(ev.MessageID)
		if e.writer != nil {
			e.writer.recordFailure(ev)
		}
		logger.Warn("optimistic_send_rolled_back", "id", ev.MessageID, "error", ev.Err)

	case EvPage:
		changed := e.cache.UpsertMany(ev.Messages)
		// History loads count as inbound too: unread peer messages that
		// were already waiting when the conversation opened get the
		// same auto-read treatment as live arrivals.
		for i := range ev.Messages {
			e.noteInbound(ev.Messages[i])
		}
		if e.pager != nil {
			e.pager.onPageMerged(ev.NextCursor, len(ev.Messages))
		}
		logger.Debug("page_merged", "conversation", e.cache.conversationID, "batch", len(ev.Messages), "changed", changed)
	}
}

// absorbMessage runs the dedup algorithm for a message that arrived
// without an explicit replacement target.
func (e *Engine) absorbMessage(m models.Message, kind EventKind) {
	// 1. Exact id already present: idempotent field merge.
	if _, ok := e.cache.Get(m.ID); ok {
		e.cache.Upsert(m)
		return
	}

	// 2. The same logical message may sit in the cache under a
	// provisional id from another channel. Match on sender, content and
	// a bounded CreatedAt distance over the newest page only.
	if prov, ok := e.matchProvisional(m); ok {
		e.cache.Replace(prov, m)
		e.migrate(prov, m.ID)
		e.cache.Dedup()
		logger.Debug("cross_channel_dedup", "provisional", prov, "durable", m.ID, "source", string(kind))
		e.noteInbound(m)
		return
	}

	// 2b. Mirror ordering: the durable record landed first and this is
	// its provisional twin off the slower channel. The durable entry is
	// authoritative, so the frame is dropped outright.
	if models.IsProvisional(m.ID) {
		if dur, ok := e.matchDurable(m); ok {
			logger.Debug("late_provisional_dropped", "provisional", m.ID, "durable", dur, "source", string(kind))
			return
		}
	}

	// 3. Genuinely new entry.
	e.cache.Upsert(m)
	// 4. Defensive sweep.
	e.cache.Dedup()
	e.noteInbound(m)
	if e.pager != nil {
		e.pager.OnLiveAppend()
	}
}

// confirmDurable replaces a provisional entry with its durable record
// and settles the pending send.
func (e *Engine) confirmDurable(provisionalID string, m models.Message) {
	if !e.cache.Replace(provisionalID, m) {
		// Push or feed got here first under the durable id, or the
		// provisional entry was rolled back. Fall back to a plain merge.
		e.absorbMessage(m, EvDurable)
	}
	e.migrate(provisionalID, m.ID)
	e.cache.Dedup()
	if e.writer != nil {
		e.writer.confirm(provisionalID)
	}
}

func (e *Engine) matchProvisional(m models.Message) (string, bool) {
	return e.findTwin(m, true)
}

func (e *Engine) matchDurable(m models.Message) (string, bool) {
	return e.findTwin(m, false)
}

// findTwin scans the newest page for a cached entry that looks like the
// same logical message delivered over another channel: same sender,
// same content, CreatedAt within the tolerance window.
func (e *Engine) findTwin(m models.Message, provisional bool) (string, bool) {
	for _, cur := range e.cache.LastPage(e.pageSize) {
		if cur.ID == m.ID || models.IsProvisional(cur.ID) != provisional {
			continue
		}
		if cur.SenderID != m.SenderID || cur.Content != m.Content {
			continue
		}
		delta := cur.CreatedAt - m.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta) <= e.window {
			return cur.ID, true
		}
	}
	return "", false
}

// migrate carries per-id side state forward across an id replacement.
func (e *Engine) migrate(oldID, newID string) {
	if e.agg != nil {
		e.agg.Migrate(oldID, newID)
	}
	if e.tracker != nil {
		e.tracker.Migrate(oldID, newID)
	}
}

// noteInbound gives the status tracker a chance to schedule auto-read
// for messages authored by the other participant.
func (e *Engine) noteInbound(m models.Message) {
	if e.tracker != nil {
		e.tracker.OnInbound(m)
	}
}
