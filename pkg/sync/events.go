package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"sync/atomic"

	"chatsync/pkg/models"
)

// EventKind identifies the origin and shape of an inbound occurrence.
type EventKind string

const (
	// EvLocal is an optimistic insert produced by the writer.
	EvLocal EventKind = "local"
	// EvPush is a message received over the push channel.
	EvPush EventKind = "push"
	// EvDurable is a durable-create response. ReplaceID names the
	// provisional entry it supersedes, when one exists.
	EvDurable EventKind = "durable"
	// EvFeed is a change-feed row notification for a message.
	EvFeed EventKind = "feed"
	// EvStatus is a delivery/read status update for one message.
	EvStatus EventKind = "status"
	// EvReaction is a confirmed reaction toggle for one message.
	EvReaction EventKind = "reaction"
	// EvRemove is a message deletion (tombstone or explicit delete).
	EvRemove EventKind = "remove"
	// EvSendFailed reports a failed durable create for a provisional id.
	EvSendFailed EventKind = "send_failed"
	// EvPage is a resolved backward pagination fetch.
	EvPage EventKind = "page"
)

// ReactionEvent carries one confirmed reaction change.
type ReactionEvent struct {
	MessageID string
	UserID    string
	Emoji     string
	Action    models.ReactionAction
	OldEmoji  string
}

// Event is the single value type consumed by a conversation's dispatch
// loop. Exactly the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Msg is set for local/push/durable/feed events.
	Msg *models.Message
	// ReplaceID is the provisional id a durable event supersedes.
	ReplaceID string

	// MessageID and Status are set for status and remove events.
	MessageID string
	Status    models.Status
	// Local marks a status event originating on this client, which must
	// be persisted and broadcast rather than merely applied.
	Local bool

	Reaction *ReactionEvent

	// Page fields for EvPage.
	Messages   []models.Message
	NextCursor string

	// Err is set for send_failed events.
	Err error

	// EnqSeq is a monotonic enqueue sequence assigned on acceptance,
	// used for deterministic ordering diagnostics.
	EnqSeq uint64
}

var (
	// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
	ErrQueueFull = errors.New("event queue full")
	// ErrQueueClosed is returned after CloseAndDrain.
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded in-memory event queue feeding one conversation's
// dispatch loop. It is safe for concurrent producers; the single
// consumer ranges over Out().
type Queue struct {
	mu       stdsync.RWMutex
	closed   bool
	ch       chan Event
	capacity int
	enqSeq   uint64
	dropped  uint64
}

// NewQueue creates a bounded Queue. Capacity must be > 0.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Event, capacity), capacity: capacity}
}

// Out returns the read-only consumer channel. It is closed by
// CloseAndDrain; do not close it from callers.
func (q *Queue) Out() <-chan Event { return q.ch }

// TryEnqueue attempts a non-blocking enqueue. If the queue is full
// ErrQueueFull is returned and the event is counted as dropped.
func (q *Queue) TryEnqueue(ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	ev.EnqSeq = atomic.AddUint64(&q.enqSeq, 1)
	select {
	case q.ch <- ev:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or the context expires.
func (q *Queue) Enqueue(ctx context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	ev.EnqSeq = atomic.AddUint64(&q.enqSeq, 1)
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		atomic.AddUint64(&q.dropped, 1)
		return ctx.Err()
	}
}

// CloseAndDrain closes the queue and discards any remaining events.
// Subsequent enqueues return ErrQueueClosed.
func (q *Queue) CloseAndDrain() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	for range q.ch {
	}
}

// Len returns the current number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of events rejected by a full queue or a
// cancelled enqueue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
