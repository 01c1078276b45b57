package httpapi

import (
	"sync"

	"github.com/wisp-im/wisp/internal/call"
	"github.com/wisp-im/wisp/internal/gateway"
	"github.com/wisp-im/wisp/internal/util"
)

// FeedEvent is one lifecycle event as delivered to API clients.
type FeedEvent struct {
	Type    string        `json:"type"` // incoming|outgoing|connected|state|terminated
	Session call.Snapshot `json:"session"`
}

// StatsEvent pairs a session snapshot with a diagnostics sample.
type StatsEvent struct {
	Session call.Snapshot `json:"session"`
	Stats   gateway.Stats `json:"stats"`
}

// Feed adapts the controller's observer callbacks into subscribable streams
// for the SSE and WebSocket endpoints. Callbacks arrive on the controller's
// dispatch goroutine, so every publish is non-blocking: a slow HTTP client
// loses events, the dispatch loop never stalls.
//
// Lifecycle events are also kept in a ring buffer so a client that connects
// mid-call can replay what it missed. Stats samples are not replayed; they
// are worthless seconds later.
type Feed struct {
	call.NopObserver

	mu        sync.Mutex
	subs      map[chan FeedEvent]struct{}
	statsSubs map[chan StatsEvent]struct{}
	recent    *util.RingBuffer[FeedEvent]
}

func NewFeed() *Feed {
	return &Feed{
		subs:      map[chan FeedEvent]struct{}{},
		statsSubs: map[chan StatsEvent]struct{}{},
		recent:    util.NewRingBuffer[FeedEvent](64),
	}
}

// Subscribe returns a lifecycle-event channel and its cancel func.
func (f *Feed) Subscribe() (chan FeedEvent, func()) {
	ch := make(chan FeedEvent, 32)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

// SubscribeStats returns a stats-sample channel and its cancel func.
func (f *Feed) SubscribeStats() (chan StatsEvent, func()) {
	ch := make(chan StatsEvent, 32)
	f.mu.Lock()
	f.statsSubs[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if _, ok := f.statsSubs[ch]; ok {
			delete(f.statsSubs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

// Recent returns the buffered lifecycle events, oldest first.
func (f *Feed) Recent() []FeedEvent {
	return f.recent.Snapshot()
}

func (f *Feed) publish(ev FeedEvent) {
	f.recent.Push(ev)
	f.mu.Lock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	f.mu.Unlock()
}

// HTTP clients act through the POST endpoints, not the callback actions.

func (f *Feed) OnIncoming(s call.Snapshot, _ call.IncomingActions) {
	f.publish(FeedEvent{Type: "incoming", Session: s})
}

func (f *Feed) OnOutgoing(s call.Snapshot, _ call.OutgoingActions) {
	f.publish(FeedEvent{Type: "outgoing", Session: s})
}

func (f *Feed) OnConnected(s call.Snapshot) {
	f.publish(FeedEvent{Type: "connected", Session: s})
}

func (f *Feed) OnState(s call.Snapshot) {
	f.publish(FeedEvent{Type: "state", Session: s})
}

func (f *Feed) OnTerminated(s call.Snapshot) {
	f.publish(FeedEvent{Type: "terminated", Session: s})
}

func (f *Feed) OnStats(s call.Snapshot, stats gateway.Stats) {
	f.mu.Lock()
	for ch := range f.statsSubs {
		select {
		case ch <- StatsEvent{Session: s, Stats: stats}:
		default:
		}
	}
	f.mu.Unlock()
}
