package sync

import (
	stdsync "sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// PersistStatus writes a status change to the durable store and reports
// whether the write changed anything.
type PersistStatus func(messageID string, status models.Status) (bool, error)

// BroadcastStatus notifies the other participant of a status change.
type BroadcastStatus func(messageID string, status models.Status) error

// StatusTracker is the delivery/read state machine for one
// conversation. Transitions are strictly SENT -> DELIVERED -> READ;
// stale updates are dropped silently. Inbound peer messages are
// auto-marked READ after a short reading delay, at most once per
// message per session.
type StatusTracker struct {
	cache     *ConversationCache
	queue     *Queue
	selfID    string
	readDelay time.Duration
	persist   PersistStatus
	broadcast BroadcastStatus

	// marked records ids whose read trigger already fired this session.
	// Only the dispatch goroutine touches it.
	marked map[string]struct{}

	// timers and alias are shared with timer goroutines.
	mu     stdsync.Mutex
	timers map[string]*time.Timer
	alias  map[string]string
	closed bool
}

// NewStatusTracker builds a tracker. persist and broadcast may be nil
// for read-only consumers.
func NewStatusTracker(cache *ConversationCache, queue *Queue, selfID string, readDelay time.Duration, persist PersistStatus, broadcast BroadcastStatus) *StatusTracker {
	if readDelay <= 0 {
		readDelay = time.Second
	}
	return &StatusTracker{
		cache:     cache,
		queue:     queue,
		selfID:    selfID,
		readDelay: readDelay,
		persist:   persist,
		broadcast: broadcast,
		marked:    make(map[string]struct{}),
		timers:    make(map[string]*time.Timer),
		alias:     make(map[string]string),
	}
}

// Apply advances a message's status. Local transitions are persisted
// and then broadcast; the broadcast is skipped when the persistence
// write was itself a no-op. Remote transitions only touch the cache.
func (t *StatusTracker) Apply(messageID string, target models.Status, local bool) {
	applied, found := t.cache.ApplyStatus(messageID, target)
	if !applied {
		if found {
			logger.Debug("stale_status_update", "id", messageID, "target", string(target))
		}
		return
	}
	if !local {
		return
	}
	if t.persist == nil {
		return
	}
	changed, err := t.persist(messageID, target)
	if err != nil {
		logger.Error("status_persist_failed", "id", messageID, "target", string(target), "error", err)
		return
	}
	if !changed || t.broadcast == nil {
		return
	}
	if err := t.broadcast(messageID, target); err != nil {
		logger.Warn("status_broadcast_failed", "id", messageID, "target", string(target), "error", err)
	}
}

// OnInbound schedules the auto-read trigger for a message authored by
// the other participant. The trigger fires once per message id per
// session, after the configured reading delay, by enqueueing a local
// READ event back onto the dispatch queue.
func (t *StatusTracker) OnInbound(m models.Message) {
	if m.SenderID == t.selfID {
		return
	}
	if _, done := t.marked[m.ID]; done {
		return
	}
	t.marked[m.ID] = struct{}{}
	if m.Status == models.StatusRead {
		return
	}

	id := m.ID
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.timers[id] = time.AfterFunc(t.readDelay, func() { t.fire(id) })
	t.mu.Unlock()
}

// fire runs on the timer goroutine. It resolves any id replacement that
// happened while the delay elapsed and hands the transition back to the
// dispatch loop.
func (t *StatusTracker) fire(id string) {
	t.mu.Lock()
	delete(t.timers, id)
	if t.closed {
		t.mu.Unlock()
		return
	}
	target := id
	for {
		next, ok := t.alias[target]
		if !ok {
			break
		}
		target = next
	}
	t.mu.Unlock()

	if err := t.queue.TryEnqueue(Event{Kind: EvStatus, MessageID: target, Status: models.StatusRead, Local: true}); err != nil {
		logger.Warn("auto_read_enqueue_failed", "id", target, "error", err)
	}
}

// Migrate carries marked state and pending timers forward when a
// provisional id is replaced by a durable one.
func (t *StatusTracker) Migrate(oldID, newID string) {
	if oldID == newID {
		return
	}
	if _, ok := t.marked[oldID]; ok {
		delete(t.marked, oldID)
		t.marked[newID] = struct{}{}
	}
	t.mu.Lock()
	if _, pending := t.timers[oldID]; pending {
		t.alias[oldID] = newID
	}
	t.mu.Unlock()
}

// Forget drops per-id state after a message is removed.
func (t *StatusTracker) Forget(id string) {
	delete(t.marked, id)
	t.mu.Lock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}

// CancelAll stops every pending read timer and bars new ones. Called on
// session teardown so no timer mutates a disposed store.
func (t *StatusTracker) CancelAll() {
	t.mu.Lock()
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}
