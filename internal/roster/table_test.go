package roster

import (
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("p1", "bob@example.com", false)

	c, ok := tbl.Get("p1")
	if !ok {
		t.Fatal("peer not found after upsert")
	}
	if c.Account != "bob@example.com" || !c.Reachable {
		t.Fatalf("contact = %+v", c)
	}
}

func TestUpsertPreservesCallState(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("p1", "bob@example.com", false)
	tbl.SetCallState("p1", "active")

	// Heartbeat arriving mid-call must not wipe the indicator.
	tbl.Upsert("p1", "bob@example.com", false)
	c, _ := tbl.Get("p1")
	if c.CallState != "active" {
		t.Fatalf("call state = %q after heartbeat, want active", c.CallState)
	}

	tbl.SetCallState("p1", "")
	c, _ = tbl.Get("p1")
	if c.CallState != "" {
		t.Fatal("call state not cleared")
	}
}

func TestSetCallStateUnknownPeer(t *testing.T) {
	tbl := NewTable()
	tbl.SetCallState("ghost", "incoming")
	c, ok := tbl.Get("ghost")
	if !ok || c.CallState != "incoming" {
		t.Fatalf("indicator dropped for unknown peer: ok=%v state=%q", ok, c.CallState)
	}
}

func TestFindByAccount(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("p1", "bob@example.com", false)
	tbl.Upsert("p2", "carol@example.com", true)

	id, ok := tbl.FindByAccount("carol@example.com")
	if !ok || id != "p2" {
		t.Fatalf("lookup = (%q, %v)", id, ok)
	}
	if _, ok := tbl.FindByAccount("nobody@example.com"); ok {
		t.Fatal("found a peer for an unknown account")
	}
}

func TestPruneStale(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("p1", "bob@example.com", false)

	// First pass: TTL expired, peer flips to offline but stays listed.
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(-time.Hour))
	c, ok := tbl.Get("p1")
	if !ok {
		t.Fatal("peer removed on first prune")
	}
	if c.Reachable || c.OfflineSince.IsZero() {
		t.Fatalf("peer not marked offline: %+v", c)
	}

	// Second pass: grace expired, peer removed.
	tbl.PruneStale(time.Now().Add(time.Second), time.Now().Add(time.Second))
	if _, ok := tbl.Get("p1"); ok {
		t.Fatal("peer survived grace expiry")
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.Upsert("p1", "bob@example.com", false)
	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.PeerID != "p1" {
			t.Fatalf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after upsert")
	}

	tbl.Remove("p1")
	select {
	case evt := <-ch:
		if evt.Type != "remove" {
			t.Fatalf("event type = %q, want remove", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after remove")
	}
}
