package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

// Viewport is the scroll surface the paginator steers. Implementations
// wrap whatever renders the conversation; tests use a fake.
type Viewport interface {
	// NearTop reports whether the scroll position is within the
	// backward-load threshold of the oldest rendered message.
	NearTop() bool
	// NearBottom reports whether the viewport sits close enough to the
	// newest message for autoscroll to be unobtrusive.
	NearBottom() bool
	// Dragging reports whether the user is actively moving the surface.
	Dragging() bool
	ScrollToBottom(animated bool)
}

// PageFetcher loads one backward page of history.
type PageFetcher interface {
	FetchBefore(ctx context.Context, conversationID, cursor string, limit int) ([]models.Message, string, error)
}

// Paginator merges cursor-based backward history loads with live
// forward appends. Backward merges are bulk operations and never
// autoscroll; live appends autoscroll only when the user already sits
// near the bottom and is not mid-drag.
type Paginator struct {
	queue          *Queue
	fetch          PageFetcher
	viewport       Viewport
	conversationID string
	pageSize       int
	cooldown       time.Duration

	inFlight  atomic.Bool
	exhausted atomic.Bool
	// lastRelease is the unix-nano time of the last drag release.
	lastRelease atomic.Int64

	mu     stdsync.Mutex
	cursor string
	timers []*time.Timer
	closed bool
}

// NewPaginator builds a paginator. viewport may be nil for headless
// consumers; scroll decisions then reduce to no-ops.
func NewPaginator(queue *Queue, fetch PageFetcher, viewport Viewport, conversationID string, pageSize int, cooldown time.Duration) *Paginator {
	if pageSize <= 0 {
		pageSize = 25
	}
	if cooldown <= 0 {
		cooldown = 600 * time.Millisecond
	}
	return &Paginator{
		queue:          queue,
		fetch:          fetch,
		viewport:       viewport,
		conversationID: conversationID,
		pageSize:       pageSize,
		cooldown:       cooldown,
	}
}

// LoadInitial fetches the newest page unconditionally and positions the
// view at the most recent message.
func (p *Paginator) LoadInitial(ctx context.Context) {
	if p.fetch == nil {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	go p.load(ctx, "")
	p.positionAtBottom()
}

// MaybeLoadOlder starts a backward load when the viewport is near the
// top, history remains, and no load is already in flight.
func (p *Paginator) MaybeLoadOlder(ctx context.Context) {
	if p.fetch == nil || p.exhausted.Load() {
		return
	}
	if p.viewport != nil && !p.viewport.NearTop() {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()
	go p.load(ctx, cursor)
}

func (p *Paginator) load(ctx context.Context, cursor string) {
	msgs, next, err := p.fetch.FetchBefore(ctx, p.conversationID, cursor, p.pageSize)
	if err != nil {
		p.inFlight.Store(false)
		logger.Warn("page_fetch_failed", "conversation", p.conversationID, "error", err)
		return
	}
	if err := p.queue.TryEnqueue(Event{Kind: EvPage, Messages: msgs, NextCursor: next}); err != nil {
		p.inFlight.Store(false)
		logger.Warn("page_enqueue_failed", "conversation", p.conversationID, "error", err)
	}
}

// onPageMerged records the new cursor after the engine merged a page.
// The merge is a bulk load, so no scroll adjustment happens here and
// the viewport anchor stays where the user left it.
func (p *Paginator) onPageMerged(next string, batch int) {
	p.mu.Lock()
	p.cursor = next
	p.mu.Unlock()
	if next == "" || batch == 0 {
		p.exhausted.Store(true)
	}
	p.inFlight.Store(false)
}

// OnLiveAppend applies the autoscroll policy after a live message
// lands: scroll only if the user was already near the bottom, is not
// dragging, and the drag-release cooldown has passed.
func (p *Paginator) OnLiveAppend() {
	if p.viewport == nil {
		return
	}
	if !p.viewport.NearBottom() || p.viewport.Dragging() {
		return
	}
	if time.Since(time.Unix(0, p.lastRelease.Load())) < p.cooldown {
		return
	}
	p.viewport.ScrollToBottom(true)
}

// OnDragRelease starts the cooldown that keeps a stray autoscroll from
// firing right after manual scrolling.
func (p *Paginator) OnDragRelease() {
	p.lastRelease.Store(time.Now().UnixNano())
}

// Exhausted reports whether backward history is fully loaded.
func (p *Paginator) Exhausted() bool { return p.exhausted.Load() }

// positionAtBottom jumps to the newest message without animation,
// retried across short delays to absorb late layout passes.
func (p *Paginator) positionAtBottom() {
	if p.viewport == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, d := range []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond} {
		p.timers = append(p.timers, time.AfterFunc(d, func() {
			p.viewport.ScrollToBottom(false)
		}))
	}
}

// CancelTimers stops pending positioning retries. Called on teardown.
func (p *Paginator) CancelTimers() {
	p.mu.Lock()
	p.closed = true
	for _, t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	p.mu.Unlock()
}
