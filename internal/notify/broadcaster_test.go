package notify

import "testing"

func TestBroadcastReachesAllConsumers(t *testing.T) {
	bc := NewBroadcaster()
	var a, b int
	bc.Register("a", func(Event) { a++ })
	bc.Register("b", func(Event) { b++ })

	bc.Broadcast(Event{Type: TypeDM, Title: "t"})
	if a != 1 || b != 1 {
		t.Fatalf("delivery counts a=%d b=%d", a, b)
	}
}

func TestPanickingConsumerIsolated(t *testing.T) {
	bc := NewBroadcaster()
	var ok int
	bc.Register("bad", func(Event) { panic("boom") })
	bc.Register("good", func(Event) { ok++ })

	bc.Broadcast(Event{Type: TypePoll})
	if ok != 1 {
		t.Fatalf("healthy consumer fired %d times, want 1", ok)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	bc := NewBroadcaster()
	var n int
	cancel := bc.Register("x", func(Event) { n++ })
	bc.Broadcast(Event{})
	cancel()
	cancel() // safe twice
	bc.Broadcast(Event{})
	if n != 1 {
		t.Fatalf("fired %d times, want 1", n)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	bc := NewBroadcaster()
	for i := 0; i < 55; i++ {
		bc.Broadcast(Event{Title: string(rune('A' + i%26))})
	}
	recent := bc.Recent()
	if len(recent) != 50 {
		t.Fatalf("recent holds %d, want 50", len(recent))
	}
	if recent[0].Title != string(rune('A'+54%26)) {
		t.Fatalf("newest first violated: %q", recent[0].Title)
	}
}
