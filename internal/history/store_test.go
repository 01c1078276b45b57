package history

import (
	"testing"
	"time"

	"github.com/wisp-im/wisp/internal/call"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(id, peer, state string, ended time.Time) Entry {
	return Entry{
		SessionID: id,
		AccountID: "acct",
		Peer:      peer,
		Direction: "incoming",
		Media:     "audio",
		State:     state,
		Label:     "x",
		StartedAt: ended.Add(-time.Minute),
		EndedAt:   ended,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.Record(entry("s1", "bob", "ended", now.Add(-2*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(entry("s2", "carol", "missed", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(entry("s3", "bob", "declined", now)); err != nil {
		t.Fatal(err)
	}

	got, err := s.Recent("acct", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("recent = %d entries, want 3", len(got))
	}
	if got[0].SessionID != "s3" {
		t.Fatalf("newest first: got %s", got[0].SessionID)
	}

	got, err = s.Recent("acct", "bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("peer filter = %d entries, want 2", len(got))
	}

	got, _ = s.Recent("other", "", 0)
	if len(got) != 0 {
		t.Fatal("entries leaked across accounts")
	}
}

func TestRecordReplacesDuplicate(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.Record(entry("s1", "bob", "ended", now)); err != nil {
		t.Fatal(err)
	}
	e := entry("s1", "bob", "failed", now)
	if err := s.Record(e); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Recent("acct", "", 0)
	if len(got) != 1 || got[0].State != "failed" {
		t.Fatalf("got %+v", got)
	}
}

func TestMissedCount(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.Record(entry("s1", "bob", string(call.StateMissed), now.Add(-2*time.Hour)))
	s.Record(entry("s2", "bob", string(call.StateMissed), now))
	s.Record(entry("s3", "bob", string(call.StateEnded), now))

	n, err := s.MissedCount("acct", now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("missed count = %d, want 1", n)
	}
}

func TestFromSnapshot(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)
	connected := started.Add(10 * time.Second)
	ended := connected.Add(75 * time.Second)
	e := FromSnapshot(call.Snapshot{
		ID:          "s1",
		AccountID:   "acct",
		Peer:        "bob",
		Media:       []call.MediaKind{call.MediaAudio, call.MediaVideo},
		Direction:   call.DirectionOutgoing,
		State:       call.StateEnded,
		Reason:      call.ReasonSuccess,
		Label:       "Call ended",
		CreatedAt:   started,
		ConnectedAt: connected,
		EndedAt:     ended,
	})
	if e.Media != "audio,video" {
		t.Fatalf("media = %q", e.Media)
	}
	if e.Seconds != 75 {
		t.Fatalf("seconds = %d, want 75", e.Seconds)
	}
	if e.Direction != "outgoing" || e.State != "ended" {
		t.Fatalf("entry = %+v", e)
	}
}
