package call

import (
	"errors"
	"testing"
)

func mustCreate(t *testing.T, r *Registry, id, account, peer string, dir Direction) Snapshot {
	t.Helper()
	snap, err := r.Create(id, account, peer, []MediaKind{MediaAudio}, dir)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return snap
}

func TestRegistryCreateInitialState(t *testing.T) {
	r := NewRegistry()
	snap := mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionIncoming)

	if snap.State != StateRinging {
		t.Fatalf("initial state = %s, want %s", snap.State, StateRinging)
	}
	if snap.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
	if !snap.ConnectedAt.IsZero() || !snap.EndedAt.IsZero() {
		t.Fatal("connected_at/ended_at must start unset")
	}
}

func TestRegistryDuplicateCreate(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionIncoming)

	_, err := r.Create("s1", "acct", "carol@example.com", nil, DirectionOutgoing)
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("want ErrDuplicateSession, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("registry has %d sessions, want 1", r.Len())
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	r := NewRegistry()
	_, err := r.Transition("nope", Event{Kind: EventMediaConnected})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("want ErrUnknownSession, got %v", err)
	}
}

func TestRegistryTerminalAbsorption(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionIncoming)

	snap, err := r.Transition("s1", Event{Kind: EventTerminate, Reason: ReasonDecline})
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if snap.State != StateDeclined {
		t.Fatalf("state = %s, want %s", snap.State, StateDeclined)
	}
	if snap.EndedAt.IsZero() {
		t.Fatal("ended_at not set on terminal transition")
	}

	for _, ev := range []Event{
		{Kind: EventAcceptRequested},
		{Kind: EventMediaConnected},
		{Kind: EventTerminate, Reason: ReasonTimeout},
	} {
		got, err := r.Transition("s1", ev)
		if !errors.Is(err, ErrTerminalSession) {
			t.Fatalf("transition after terminal: want ErrTerminalSession, got %v", err)
		}
		if got.State != StateDeclined {
			t.Fatalf("terminal state changed to %s", got.State)
		}
	}
}

func TestRegistryConnectedTimestampOnce(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionOutgoing)

	if _, err := r.Transition("s1", Event{Kind: EventPeerAccepted}); err != nil {
		t.Fatal(err)
	}
	first, err := r.Transition("s1", Event{Kind: EventMediaConnected})
	if err != nil {
		t.Fatal(err)
	}
	if first.State != StateInProgress || first.ConnectedAt.IsZero() {
		t.Fatalf("after connect: state=%s connected_at_zero=%v", first.State, first.ConnectedAt.IsZero())
	}

	again, err := r.Transition("s1", Event{Kind: EventMediaConnected})
	if err != nil {
		t.Fatal(err)
	}
	if !again.ConnectedAt.Equal(first.ConnectedAt) {
		t.Fatal("connected_at moved on duplicate media-connected")
	}
}

func TestRegistryMediaDownSubStatus(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionOutgoing)
	r.Transition("s1", Event{Kind: EventPeerAccepted})
	r.Transition("s1", Event{Kind: EventMediaConnected})

	snap, err := r.Transition("s1", Event{Kind: EventMediaDisconnected})
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateInProgress {
		t.Fatalf("disconnect changed state to %s", snap.State)
	}
	if !snap.MediaDown {
		t.Fatal("media_down not set")
	}

	snap, _ = r.Transition("s1", Event{Kind: EventMediaConnected})
	if snap.MediaDown {
		t.Fatal("media_down not cleared on reconnect")
	}
}

func TestRegistryParticipantIndex(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionIncoming)

	id, ok := r.FindByParticipant("acct", "bob@example.com")
	if !ok || id != "s1" {
		t.Fatalf("index lookup = (%q, %v), want (s1, true)", id, ok)
	}

	// Index entry goes away on termination even though the session stays
	// for its display grace.
	if _, err := r.Transition("s1", Event{Kind: EventTerminate, Reason: ReasonSuccess}); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.FindByParticipant("acct", "bob@example.com"); ok {
		t.Fatal("index entry survived termination")
	}
	if _, live := r.Get("s1"); !live {
		t.Fatal("session removed before grace period")
	}

	// A new call to the same participant may now claim the index.
	mustCreate(t, r, "s2", "acct", "bob@example.com", DirectionOutgoing)
	id, ok = r.FindByParticipant("acct", "bob@example.com")
	if !ok || id != "s2" {
		t.Fatalf("index lookup after new call = (%q, %v), want (s2, true)", id, ok)
	}

	r.Remove("s2")
	if _, ok := r.FindByParticipant("acct", "bob@example.com"); ok {
		t.Fatal("index entry survived removal")
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	mustCreate(t, r, "s1", "acct", "bob@example.com", DirectionIncoming)
	r.Remove("s1")
	r.Remove("s1")
	if r.Len() != 0 {
		t.Fatalf("registry has %d sessions, want 0", r.Len())
	}
}
