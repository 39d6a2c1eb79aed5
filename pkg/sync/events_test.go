package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTryEnqueueFullQueue(t *testing.T) {
	q := NewQueue(2)
	if err := q.TryEnqueue(Event{Kind: EvRemove, MessageID: "a"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.TryEnqueue(Event{Kind: EvRemove, MessageID: "b"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := q.TryEnqueue(Event{Kind: EvRemove, MessageID: "c"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := NewQueue(4)
	q.CloseAndDrain()
	if err := q.TryEnqueue(Event{Kind: EvRemove}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.Enqueue(context.Background(), Event{Kind: EvRemove}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestEnqueueHonorsContext(t *testing.T) {
	q := NewQueue(1)
	_ = q.TryEnqueue(Event{Kind: EvRemove, MessageID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, Event{Kind: EvRemove, MessageID: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEnqueueSequenceIsMonotonic(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		if err := q.TryEnqueue(Event{Kind: EvRemove}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	var last uint64
	for i := 0; i < 3; i++ {
		ev := <-q.Out()
		if ev.EnqSeq <= last {
			t.Fatalf("sequence not monotonic: %d after %d", ev.EnqSeq, last)
		}
		last = ev.EnqSeq
	}
}
