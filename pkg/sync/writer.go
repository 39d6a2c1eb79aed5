package sync

import (
	"context"
	"errors"
	"sort"
	stdsync "sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/validation"
)

// Creator performs the durable create call for a message.
type Creator interface {
	CreateMessage(ctx context.Context, m models.Message) (models.Message, error)
}

// PushEmitter forwards an optimistic message over the push channel so
// the recipient sees it before the durable id exists. Emission is best
// effort; a disconnected channel simply drops it.
type PushEmitter interface {
	EmitMessage(m models.Message) error
}

// FailedSend is a rolled-back optimistic message awaiting retry or
// dismissal. The content is retained so retry needs no re-entry.
type FailedSend struct {
	ProvisionalID string
	Content       string
	ReplyTo       string
	Type          models.MessageType
	MediaRef      string
	Err           error
	At            time.Time
}

// ErrUnknownSend is returned by Retry for an id with no failure record.
var ErrUnknownSend = errors.New("no failed send with that id")

// Writer drives optimistic sends for one conversation: provisional
// insert, best-effort push emit, durable create, then replacement or
// rollback depending on the outcome.
type Writer struct {
	queue   *Queue
	creator Creator
	push    PushEmitter

	selfID         string
	peerID         string
	conversationID string
	timeout        time.Duration

	mu     stdsync.Mutex
	failed map[string]FailedSend
}

// NewWriter builds a writer for one conversation. push may be nil.
func NewWriter(queue *Queue, creator Creator, push PushEmitter, selfID, peerID string, timeout time.Duration) *Writer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Writer{
		queue:          queue,
		creator:        creator,
		push:           push,
		selfID:         selfID,
		peerID:         peerID,
		conversationID: models.ConversationID(selfID, peerID),
		timeout:        timeout,
		failed:         make(map[string]FailedSend),
	}
}

// Send inserts a provisional SENT message immediately and starts the
// durable create in the background. It returns the provisional id the
// entry is visible under until confirmation. The durable path does not
// depend on push connectivity.
func (w *Writer) Send(ctx context.Context, content, replyTo string, typ models.MessageType, mediaRef string) (string, error) {
	if typ == "" {
		typ = models.TypeText
	}
	m := models.Message{
		ID:             models.GenProvisionalID(w.selfID),
		ConversationID: w.conversationID,
		SenderID:       w.selfID,
		ReceiverID:     w.peerID,
		Content:        content,
		CreatedAt:      time.Now().UTC().UnixNano(),
		Status:         models.StatusSent,
		Type:           typ,
		ReplyTo:        replyTo,
		MediaRef:       mediaRef,
	}
	if err := validation.ValidateMessage(m); err != nil {
		return "", err
	}

	if err := w.queue.Enqueue(ctx, Event{Kind: EvLocal, Msg: &m}); err != nil {
		return "", err
	}

	if w.push != nil {
		if err := w.push.EmitMessage(m); err != nil {
			logger.Debug("push_emit_dropped", "id", m.ID, "error", err)
		}
	}

	if w.creator != nil {
		go w.createDurable(m)
	}
	return m.ID, nil
}

func (w *Writer) createDurable(m models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	durable, err := w.creator.CreateMessage(ctx, m)
	if err != nil {
		orig := m
		if qerr := w.queue.TryEnqueue(Event{Kind: EvSendFailed, MessageID: m.ID, Msg: &orig, Err: err}); qerr != nil {
			logger.Error("send_failure_enqueue_failed", "id", m.ID, "error", qerr)
		}
		return
	}
	if err := w.queue.TryEnqueue(Event{Kind: EvDurable, Msg: &durable, ReplaceID: m.ID}); err != nil {
		logger.Error("durable_confirm_enqueue_failed", "id", durable.ID, "error", err)
	}
}

// Retry re-sends the content of a previously failed message under a
// fresh provisional id.
func (w *Writer) Retry(ctx context.Context, provisionalID string) (string, error) {
	w.mu.Lock()
	rec, ok := w.failed[provisionalID]
	if ok {
		delete(w.failed, provisionalID)
	}
	w.mu.Unlock()
	if !ok {
		return "", ErrUnknownSend
	}
	return w.Send(ctx, rec.Content, rec.ReplyTo, rec.Type, rec.MediaRef)
}

// Dismiss drops a failed send without retrying.
func (w *Writer) Dismiss(provisionalID string) {
	w.mu.Lock()
	delete(w.failed, provisionalID)
	w.mu.Unlock()
}

// Failed returns the outstanding failure records, oldest first.
func (w *Writer) Failed() []FailedSend {
	w.mu.Lock()
	out := make([]FailedSend, 0, len(w.failed))
	for _, rec := range w.failed {
		out = append(out, rec)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// confirm settles the pending send after a durable replacement. A late
// failure record for the same id is discarded.
func (w *Writer) confirm(provisionalID string) {
	w.mu.Lock()
	delete(w.failed, provisionalID)
	w.mu.Unlock()
}

// recordFailure stores the rollback record. Runs on the dispatch
// goroutine, after the provisional entry was removed from the cache.
func (w *Writer) recordFailure(ev Event) {
	rec := FailedSend{ProvisionalID: ev.MessageID, Err: ev.Err, At: time.Now()}
	if ev.Msg != nil {
		rec.Content = ev.Msg.Content
		rec.ReplyTo = ev.Msg.ReplyTo
		rec.Type = ev.Msg.Type
		rec.MediaRef = ev.Msg.MediaRef
	}
	w.mu.Lock()
	w.failed[ev.MessageID] = rec
	w.mu.Unlock()
}
