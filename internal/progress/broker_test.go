package progress

import (
	"context"
	"testing"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := NewBroker(10, 4, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Publish(ctx, Event{SessionID: "s1", Kind: KindStateChanged})
	}
	b.Publish(ctx, Event{SessionID: "s2", Kind: KindStateChanged})

	recent := b.Recent("s1", 0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, ev := range recent {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("seq at %d: got %d want %d", i, ev.Seq, i+1)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("event missing id/timestamp: %+v", ev)
		}
	}
	// Sequences are per session.
	other := b.Recent("s2", 0)
	if len(other) != 1 || other[0].Seq != 1 {
		t.Fatalf("expected independent sequence for s2, got %+v", other)
	}
}

func TestSubscribeIsForwardOnly(t *testing.T) {
	b := NewBroker(10, 4, nil)
	ctx := context.Background()
	b.Publish(ctx, Event{SessionID: "s1", Kind: KindStateChanged})

	ch, cancel := b.Subscribe("s1")
	defer cancel()
	b.Publish(ctx, Event{SessionID: "s1", Kind: KindTaskSucceeded, TaskID: "t1"})

	ev := <-ch
	if ev.Kind != KindTaskSucceeded || ev.Seq != 2 {
		t.Fatalf("subscriber must only see events after attach, got %+v", ev)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestCancelClosesSubscriberChannel(t *testing.T) {
	b := NewBroker(10, 4, nil)
	ch, cancel := b.Subscribe("s1")
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	// Cancel is safe to call twice.
	cancel()
}

func TestLaggingSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker(10, 1, nil)
	ch, cancel := b.Subscribe("s1")
	defer cancel()
	ctx := context.Background()
	b.Publish(ctx, Event{SessionID: "s1", Kind: KindStateChanged})
	b.Publish(ctx, Event{SessionID: "s1", Kind: KindStateChanged}) // dropped, buffer full

	ev := <-ch
	if ev.Seq != 1 {
		t.Fatalf("first event should survive, got seq %d", ev.Seq)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second event should have been dropped, got %+v", extra)
	default:
	}
}

func TestRecentWindowIsBounded(t *testing.T) {
	b := NewBroker(2, 4, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Publish(ctx, Event{SessionID: "s1", Kind: KindStateChanged})
	}
	recent := b.Recent("s1", 0)
	if len(recent) != 2 {
		t.Fatalf("ring should keep 2 events, got %d", len(recent))
	}
	if recent[0].Seq != 4 || recent[1].Seq != 5 {
		t.Fatalf("ring should keep the newest events, got %+v", recent)
	}
	limited := b.Recent("s1", 1)
	if len(limited) != 1 || limited[0].Seq != 5 {
		t.Fatalf("limit should trim from the oldest side, got %+v", limited)
	}
}

func TestDropReleasesSession(t *testing.T) {
	b := NewBroker(10, 4, nil)
	ch, _ := b.Subscribe("s1")
	b.Publish(context.Background(), Event{SessionID: "s1", Kind: KindStateChanged})
	b.Drop("s1")
	// Drain the buffered event, then expect closure.
	if ev, open := <-ch; open {
		if ev.Seq != 1 {
			t.Fatalf("unexpected event %+v", ev)
		}
		if _, open := <-ch; open {
			t.Fatal("channel should close after drop")
		}
	}
	if got := b.Recent("s1", 0); got != nil {
		t.Fatalf("recent should be empty after drop, got %+v", got)
	}
}
