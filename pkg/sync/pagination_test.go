package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"chatsync/pkg/models"
)

type fakeViewport struct {
	mu         stdsync.Mutex
	nearTop    bool
	nearBottom bool
	dragging   bool
	scrolls    int
}

func (v *fakeViewport) NearTop() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nearTop
}

func (v *fakeViewport) NearBottom() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nearBottom
}

func (v *fakeViewport) Dragging() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dragging
}

func (v *fakeViewport) ScrollToBottom(animated bool) {
	v.mu.Lock()
	v.scrolls++
	v.mu.Unlock()
}

func (v *fakeViewport) scrollCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrolls
}

type fakeFetcher struct {
	pages map[string]Pageresp
}

type Pageresp struct {
	msgs []models.Message
	next string
}

func (f *fakeFetcher) FetchBefore(_ context.Context, _ string, cursor string, _ int) ([]models.Message, string, error) {
	p := f.pages[cursor]
	return p.msgs, p.next, nil
}

func TestLiveAppendAutoscrollsNearBottom(t *testing.T) {
	vp := &fakeViewport{nearBottom: true}
	p := NewPaginator(NewQueue(8), nil, vp, "alice_bob", 25, 10*time.Millisecond)

	p.OnLiveAppend()
	if vp.scrollCount() != 1 {
		t.Fatalf("expected autoscroll, got %d", vp.scrollCount())
	}
}

func TestLiveAppendNoAutoscrollWhenScrolledUp(t *testing.T) {
	vp := &fakeViewport{nearBottom: false}
	p := NewPaginator(NewQueue(8), nil, vp, "alice_bob", 25, 10*time.Millisecond)

	p.OnLiveAppend()
	if vp.scrollCount() != 0 {
		t.Fatalf("autoscroll fired while reading history")
	}
}

func TestLiveAppendNoAutoscrollDuringDrag(t *testing.T) {
	vp := &fakeViewport{nearBottom: true, dragging: true}
	p := NewPaginator(NewQueue(8), nil, vp, "alice_bob", 25, 10*time.Millisecond)

	p.OnLiveAppend()
	if vp.scrollCount() != 0 {
		t.Fatalf("autoscroll fired mid-drag")
	}
}

func TestLiveAppendRespectsReleaseCooldown(t *testing.T) {
	vp := &fakeViewport{nearBottom: true}
	p := NewPaginator(NewQueue(8), nil, vp, "alice_bob", 25, time.Hour)

	p.OnDragRelease()
	p.OnLiveAppend()
	if vp.scrollCount() != 0 {
		t.Fatalf("autoscroll fired inside the release cooldown")
	}
}

func TestBackwardLoadEnqueuesPageWithoutScrolling(t *testing.T) {
	q := NewQueue(8)
	vp := &fakeViewport{nearTop: true}
	fetch := &fakeFetcher{pages: map[string]Pageresp{
		"": {msgs: []models.Message{msg("m1", "alice", "a", 100, models.StatusSent)}, next: "c1"},
	}}
	p := NewPaginator(q, fetch, vp, "alice_bob", 25, 10*time.Millisecond)

	p.MaybeLoadOlder(context.Background())

	select {
	case ev := <-q.Out():
		if ev.Kind != EvPage || len(ev.Messages) != 1 || ev.NextCursor != "c1" {
			t.Fatalf("unexpected page event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("page event never enqueued")
	}
	if vp.scrollCount() != 0 {
		t.Fatalf("bulk load must never scroll")
	}
}

func TestBackwardLoadSkippedAwayFromTop(t *testing.T) {
	q := NewQueue(8)
	vp := &fakeViewport{nearTop: false}
	fetch := &fakeFetcher{pages: map[string]Pageresp{}}
	p := NewPaginator(q, fetch, vp, "alice_bob", 25, 10*time.Millisecond)

	p.MaybeLoadOlder(context.Background())

	select {
	case ev := <-q.Out():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPageExhaustsHistory(t *testing.T) {
	p := NewPaginator(NewQueue(8), &fakeFetcher{}, nil, "alice_bob", 25, 10*time.Millisecond)
	p.onPageMerged("", 0)
	if !p.Exhausted() {
		t.Fatalf("empty page should exhaust pagination")
	}
	// further loads are no-ops
	p.MaybeLoadOlder(context.Background())
	if p.inFlight.Load() {
		t.Fatalf("load started after exhaustion")
	}
}
