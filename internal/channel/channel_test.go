package channel

import "testing"

func TestDirectCommutative(t *testing.T) {
	pairs := [][2]string{
		{"alice@x.com", "bob@x.com"},
		{"alice@x.com", "Bob@X.com"},
		{"  Alice@X.com ", "bob@x.com"},
		{"ZOE@corp.io", "adam@corp.io"},
	}
	for _, p := range pairs {
		ab := Direct(p[0], p[1])
		ba := Direct(p[1], p[0])
		if ab != ba {
			t.Errorf("Direct(%q,%q)=%q but Direct(%q,%q)=%q", p[0], p[1], ab, p[1], p[0], ba)
		}
	}
}

func TestDirectNormalizesAndSorts(t *testing.T) {
	got := Direct("Bob@X.com", "alice@x.com")
	want := "DM_alice@x.com|bob@x.com"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestParticipantsRoundTrip(t *testing.T) {
	id := Direct(" Carol@Corp.io", "dave@corp.io ")
	a, b, ok := Participants(id)
	if !ok {
		t.Fatalf("Participants(%q) not ok", id)
	}
	set := map[string]bool{a: true, b: true}
	if !set["carol@corp.io"] || !set["dave@corp.io"] {
		t.Fatalf("round trip lost participants: got %q, %q", a, b)
	}
}

func TestParticipantsRejectsGroup(t *testing.T) {
	if _, _, ok := Participants(Group("team-7")); ok {
		t.Fatal("group channel should have no direct participants")
	}
	if _, _, ok := Participants("DM_broken"); ok {
		t.Fatal("malformed direct ID should not parse")
	}
}

func TestKindOf(t *testing.T) {
	cases := map[string]Kind{
		Direct("a@x", "b@x"):                   KindDirect,
		Group("g1"):                            KindGroup,
		"8f14e45f-ceea-4e8b-b1d2-0915b7cdd6a1": KindGroup, // raw server ID, no prefix
	}
	for id, want := range cases {
		if got := KindOf(id); got != want {
			t.Errorf("KindOf(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestRoom(t *testing.T) {
	if got := Room(Direct("a@x", "b@x")); got != "a@x|b@x" {
		t.Errorf("direct room = %q", got)
	}
	if got := Room(Group("g1")); got != "g1" {
		t.Errorf("group room = %q", got)
	}
	if got := Room("raw-id"); got != "raw-id" {
		t.Errorf("raw room = %q", got)
	}
}

func TestPeer(t *testing.T) {
	id := Direct("alice@x.com", "bob@x.com")
	if peer, ok := Peer(id, "Alice@X.com"); !ok || peer != "bob@x.com" {
		t.Fatalf("Peer = %q, %v", peer, ok)
	}
	if _, ok := Peer(id, "mallory@x.com"); ok {
		t.Fatal("non-participant should not resolve a peer")
	}
	if _, ok := Peer(Group("g"), "alice@x.com"); ok {
		t.Fatal("group channel has no single peer")
	}
}
