package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wisp-im/wisp/internal/proto"
)

// fakeSignaler records outbound envelopes and lets tests inject inbound ones.
type fakeSignaler struct {
	mu      sync.Mutex
	sent    []proto.SignalMsg
	sendErr error
	inbox   chan *proto.SignalMsg
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{inbox: make(chan *proto.SignalMsg, 16)}
}

func (f *fakeSignaler) Send(_ context.Context, peerID string, msg proto.SignalMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	msg.From = peerID
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Subscribe() (chan *proto.SignalMsg, func()) {
	return f.inbox, func() {}
}

func (f *fakeSignaler) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Type
	}
	return out
}

func awaitEvent(t *testing.T, g *PionGateway, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-g.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestInitiateSendsCallRequest(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "alice@example.com", PionConfig{})
	defer g.Close()

	id, err := g.Initiate(context.Background(), "alice@example.com", "peer-b", []string{"audio"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(sig.sent))
	}
	m := sig.sent[0]
	if m.Type != proto.SigCallRequest || m.CallID != id || m.Account != "alice@example.com" {
		t.Fatalf("request envelope = %+v", m)
	}
}

func TestInitiateUnreachablePeer(t *testing.T) {
	sig := newFakeSignaler()
	sig.sendErr = context.DeadlineExceeded
	g := NewPion(sig, "alice@example.com", PionConfig{})
	defer g.Close()

	_, err := g.Initiate(context.Background(), "alice@example.com", "peer-b", []string{"audio"})
	if err == nil {
		t.Fatal("expected error for unreachable peer")
	}
}

func TestInboundRequestEmitsIncoming(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "bob@example.com", PionConfig{})
	defer g.Close()

	sig.inbox <- &proto.SignalMsg{
		Type:    proto.SigCallRequest,
		CallID:  "c1",
		From:    "peer-a",
		Account: "alice@example.com",
		Media:   []string{"audio", "video"},
	}

	ev := awaitEvent(t, g, EventIncoming)
	if ev.SessionID != "c1" || ev.Peer != "peer-a" {
		t.Fatalf("incoming event = %+v", ev)
	}
	if len(ev.Media) != 2 {
		t.Fatalf("media = %v", ev.Media)
	}

	// A replayed request for the same call must not emit a second event.
	sig.inbox <- &proto.SignalMsg{
		Type: proto.SigCallRequest, CallID: "c1", From: "peer-a",
	}
	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %+v for duplicate request", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcceptSendsEnvelope(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "bob@example.com", PionConfig{})
	defer g.Close()

	sig.inbox <- &proto.SignalMsg{Type: proto.SigCallRequest, CallID: "c1", From: "peer-a"}
	awaitEvent(t, g, EventIncoming)

	if err := g.Accept(context.Background(), "c1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	types := sig.sentTypes()
	if len(types) != 1 || types[0] != proto.SigCallAccept {
		t.Fatalf("sent = %v", types)
	}

	if err := g.Accept(context.Background(), "nope"); err != ErrUnknownCall {
		t.Fatalf("unknown call accept: %v", err)
	}
}

func TestRemoteHangupEmitsTerminated(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "bob@example.com", PionConfig{})
	defer g.Close()

	sig.inbox <- &proto.SignalMsg{Type: proto.SigCallRequest, CallID: "c1", From: "peer-a"}
	awaitEvent(t, g, EventIncoming)

	sig.inbox <- &proto.SignalMsg{
		Type: proto.SigHangup, CallID: "c1", From: "peer-a", Reason: "decline",
	}
	ev := awaitEvent(t, g, EventTerminated)
	if ev.Reason != "decline" {
		t.Fatalf("reason = %q", ev.Reason)
	}
}

func TestHangupFromStrangerIgnored(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "bob@example.com", PionConfig{})
	defer g.Close()

	sig.inbox <- &proto.SignalMsg{Type: proto.SigCallRequest, CallID: "c1", From: "peer-a"}
	awaitEvent(t, g, EventIncoming)

	// Only the call's own peer may hang it up.
	sig.inbox <- &proto.SignalMsg{Type: proto.SigHangup, CallID: "c1", From: "peer-x"}
	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOutgoingRingTimeout(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "alice@example.com", PionConfig{RingTimeout: 30 * time.Millisecond})
	defer g.Close()

	id, err := g.Initiate(context.Background(), "alice@example.com", "peer-b", []string{"audio"})
	if err != nil {
		t.Fatal(err)
	}

	ev := awaitEvent(t, g, EventTerminated)
	if ev.SessionID != id || ev.Reason != "timeout" {
		t.Fatalf("timeout event = %+v", ev)
	}

	// The remote side was told too.
	types := sig.sentTypes()
	if len(types) != 2 || types[1] != proto.SigHangup {
		t.Fatalf("sent = %v", types)
	}
}

func TestHangupUnknownCallIsNoError(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "alice@example.com", PionConfig{})
	defer g.Close()

	if err := g.Hangup(context.Background(), "ghost", "success"); err != nil {
		t.Fatalf("hangup on unknown call: %v", err)
	}
}

func TestLateEventAfterCloseIsDropped(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "alice@example.com", PionConfig{})

	if _, err := g.Initiate(context.Background(), "alice@example.com", "peer-b", []string{"audio"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	g.Close()
	if g.Available() {
		t.Fatal("gateway still available after close")
	}

	// PeerConnection teardown delivers state-change callbacks asynchronously,
	// so emits can land after Close. They must be dropped, never panic.
	// Enough iterations to overflow the event buffer if they weren't.
	for i := 0; i < 64; i++ {
		g.emit(Event{Kind: EventStateChanged, SessionID: "s1", ConnState: ConnClosed})
	}

	select {
	case ev := <-g.Events():
		t.Fatalf("event delivered after close: %+v", ev)
	default:
	}
}

func TestGetStatsBeforeMediaOpens(t *testing.T) {
	sig := newFakeSignaler()
	g := NewPion(sig, "alice@example.com", PionConfig{})
	defer g.Close()

	id, err := g.Initiate(context.Background(), "alice@example.com", "peer-b", []string{"audio"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	st, err := g.GetStats(context.Background(), id)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ConnectionState != ConnNew {
		t.Fatalf("connection state = %s, want new", st.ConnectionState)
	}
	if st.BytesReceived != 0 || st.PacketsReceived != 0 {
		t.Fatalf("counters non-zero before media: %+v", st)
	}

	if _, err := g.GetStats(context.Background(), "ghost"); err == nil {
		t.Fatal("stats for unknown call should fail")
	}
}
