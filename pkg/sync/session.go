package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// RoomClient is the push-channel surface a session drives: explicit
// room membership plus outbound typing, status and reaction signals.
type RoomClient interface {
	JoinChat(ctx context.Context, userID, chatID string) error
	LeaveChat(ctx context.Context, chatID string) error
	SendTyping(ctx context.Context, chatID string, typing bool) error
	SendStatus(ctx context.Context, messageID string, status models.Status) error
	SendReaction(ctx context.Context, messageID, userID, emoji string) error
}

// SessionOptions collects the collaborators and tuning knobs for one
// conversation session. Zero durations fall back to defaults.
type SessionOptions struct {
	Creator  Creator
	Push     PushEmitter
	Fetcher  PageFetcher
	Viewport Viewport
	Room     RoomClient

	Persist   PersistStatus
	Broadcast BroadcastStatus

	DedupWindow    time.Duration
	ReadDelay      time.Duration
	ScrollCooldown time.Duration
	SendTimeout    time.Duration
	TypingTimeout  time.Duration
	PageSize       int
	QueueCapacity  int
}

// Session owns all state for one open conversation: the event queue,
// the reconciliation engine and its collaborators, and the dispatch
// goroutine that serializes every mutation. Cross-conversation
// sessions are fully independent.
type Session struct {
	conversationID string
	selfID         string
	peerID         string

	queue   *Queue
	engine  *Engine
	writer  *Writer
	tracker *StatusTracker
	agg     *ReactionAggregator
	pager   *Paginator
	room    RoomClient

	typingTimeout time.Duration

	// snapshot is republished by the dispatch loop after each event so
	// readers never touch the unsynchronized cache.
	snapshot atomic.Pointer[[]models.Message]

	mu          stdsync.Mutex
	typingTimer *time.Timer
	closed      bool

	closeOnce stdsync.Once
	done      chan struct{}
}

// NewSession assembles a session for the conversation between selfID
// and peerID. Call Start to join the room and begin dispatching.
func NewSession(selfID, peerID string, opts SessionOptions) *Session {
	convID := models.ConversationID(selfID, peerID)
	queue := NewQueue(opts.QueueCapacity)
	cache := NewCache(convID)

	tracker := NewStatusTracker(cache, queue, selfID, opts.ReadDelay, opts.Persist, opts.Broadcast)
	agg := NewReactionAggregator(selfID)
	pager := NewPaginator(queue, opts.Fetcher, opts.Viewport, convID, opts.PageSize, opts.ScrollCooldown)
	writer := NewWriter(queue, opts.Creator, opts.Push, selfID, peerID, opts.SendTimeout)
	engine := NewEngine(cache, tracker, agg, pager, writer, opts.DedupWindow, opts.PageSize)

	tt := opts.TypingTimeout
	if tt <= 0 {
		tt = 3 * time.Second
	}

	s := &Session{
		conversationID: convID,
		selfID:         selfID,
		peerID:         peerID,
		queue:          queue,
		engine:         engine,
		writer:         writer,
		tracker:        tracker,
		agg:            agg,
		pager:          pager,
		room:           opts.Room,
		typingTimeout:  tt,
		done:           make(chan struct{}),
	}
	empty := []models.Message{}
	s.snapshot.Store(&empty)
	return s
}

// ConversationID returns the canonical conversation key.
func (s *Session) ConversationID() string { return s.conversationID }

// Start joins the conversation room, loads the newest page and begins
// the dispatch loop.
func (s *Session) Start(ctx context.Context) {
	if s.room != nil {
		if err := s.room.JoinChat(ctx, s.selfID, s.conversationID); err != nil {
			logger.Warn("room_join_failed", "conversation", s.conversationID, "error", err)
		}
	}
	go s.run()
	if s.pager != nil && s.engine != nil {
		s.pager.LoadInitial(ctx)
	}
	logger.Info("session_started", "conversation", s.conversationID, "user", s.selfID)
}

func (s *Session) run() {
	defer close(s.done)
	for ev := range s.queue.Out() {
		if ev.Kind == EvReaction && ev.Local && ev.Reaction != nil {
			s.localReaction(*ev.Reaction)
		} else {
			s.engine.Absorb(ev)
		}
		snap := s.engine.Cache().Snapshot()
		s.snapshot.Store(&snap)
	}
}

// localReaction applies an optimistic toggle and pushes it to the
// relay best effort.
func (s *Session) localReaction(r ReactionEvent) {
	action, old := s.agg.Toggle(r.MessageID, r.UserID, r.Emoji)
	logger.Debug("reaction_toggled", "message", r.MessageID, "action", string(action), "old", old)
	if s.room == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.room.SendReaction(ctx, r.MessageID, r.UserID, r.Emoji); err != nil {
			logger.Debug("reaction_emit_dropped", "message", r.MessageID, "error", err)
		}
	}()
}

// Send performs an optimistic send and returns the provisional id.
func (s *Session) Send(ctx context.Context, content, replyTo string, typ models.MessageType, mediaRef string) (string, error) {
	return s.writer.Send(ctx, content, replyTo, typ, mediaRef)
}

// Retry re-sends a failed message; Dismiss drops it.
func (s *Session) Retry(ctx context.Context, provisionalID string) (string, error) {
	return s.writer.Retry(ctx, provisionalID)
}

func (s *Session) Dismiss(provisionalID string) { s.writer.Dismiss(provisionalID) }

// FailedSends lists rolled-back sends awaiting retry or dismissal.
func (s *Session) FailedSends() []FailedSend { return s.writer.Failed() }

// ToggleReaction routes a local reaction toggle through the dispatch
// loop so aggregator state mutates on one goroutine only.
func (s *Session) ToggleReaction(messageID, emoji string) error {
	return s.queue.TryEnqueue(Event{
		Kind:     EvReaction,
		Local:    true,
		Reaction: &ReactionEvent{MessageID: messageID, UserID: s.selfID, Emoji: emoji},
	})
}

// MarkDelivered and MarkRead request local status transitions. Stale
// requests are absorbed silently by the rank gate.
func (s *Session) MarkDelivered(messageID string) error {
	return s.queue.TryEnqueue(Event{Kind: EvStatus, MessageID: messageID, Status: models.StatusDelivered, Local: true})
}

func (s *Session) MarkRead(messageID string) error {
	return s.queue.TryEnqueue(Event{Kind: EvStatus, MessageID: messageID, Status: models.StatusRead, Local: true})
}

// SetTyping pushes a typing signal. A start schedules an automatic
// stop after the typing timeout; an explicit stop cancels it.
func (s *Session) SetTyping(ctx context.Context, typing bool) {
	if s.room == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if typing {
		s.typingTimer = time.AfterFunc(s.typingTimeout, func() {
			s.SetTyping(context.Background(), false)
		})
	}
	s.mu.Unlock()

	if err := s.room.SendTyping(ctx, s.conversationID, typing); err != nil {
		logger.Debug("typing_emit_dropped", "conversation", s.conversationID, "error", err)
	}
}

// HandleNewMessage absorbs a push-channel message.
func (s *Session) HandleNewMessage(m models.Message) {
	s.enqueue(Event{Kind: EvPush, Msg: &m})
}

// HandleFeedMessage absorbs a change-feed message row.
func (s *Session) HandleFeedMessage(m models.Message) {
	s.enqueue(Event{Kind: EvFeed, Msg: &m})
}

// HandleStatusUpdate absorbs a remote status transition.
func (s *Session) HandleStatusUpdate(messageID string, status models.Status) {
	s.enqueue(Event{Kind: EvStatus, MessageID: messageID, Status: status})
}

// HandleReaction absorbs a confirmed reaction event.
func (s *Session) HandleReaction(r ReactionEvent) {
	s.enqueue(Event{Kind: EvReaction, Reaction: &r})
}

// HandleRemove absorbs a message deletion.
func (s *Session) HandleRemove(messageID string) {
	s.enqueue(Event{Kind: EvRemove, MessageID: messageID})
}

func (s *Session) enqueue(ev Event) {
	if err := s.queue.TryEnqueue(ev); err != nil {
		logger.Warn("session_event_dropped", "conversation", s.conversationID, "kind", string(ev.Kind), "error", err)
	}
}

// Snapshot returns the ordered message list as of the last dispatched
// event.
func (s *Session) Snapshot() []models.Message { return *s.snapshot.Load() }

// Reactions returns the derived aggregate for one message. Safe to
// call from any goroutine; the aggregator guards its own state and the
// returned map is recomputed, never shared.
func (s *Session) Reactions(messageID string) models.ReactionAggregate {
	return s.agg.Aggregate(messageID)
}

// LoadOlder asks the paginator for the next backward page.
func (s *Session) LoadOlder(ctx context.Context) { s.pager.MaybeLoadOlder(ctx) }

// OnDragRelease forwards the scroll cooldown marker.
func (s *Session) OnDragRelease() { s.pager.OnDragRelease() }

// Close leaves the room, cancels every pending timer and shuts the
// dispatch loop down. The session must not be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.typingTimer != nil {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		s.mu.Unlock()

		s.tracker.CancelAll()
		s.pager.CancelTimers()

		if s.room != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.room.LeaveChat(ctx, s.conversationID); err != nil {
				logger.Debug("room_leave_failed", "conversation", s.conversationID, "error", err)
			}
			cancel()
		}

		s.queue.CloseAndDrain()
		<-s.done
		logger.Info("session_closed", "conversation", s.conversationID, "user", s.selfID)
	})
}
