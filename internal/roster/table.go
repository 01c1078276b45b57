package roster

import (
	"sync"
	"time"
)

// Contact is one known peer as shown in the contact list.
type Contact struct {
	Account       string    `json:"account"`
	CallsDisabled bool      `json:"calls_disabled"`
	Reachable     bool      `json:"reachable"`
	CallState     string    `json:"call_state,omitempty"` // incoming|outgoing|active|""
	LastSeen      time.Time `json:"last_seen"`
	OfflineSince  time.Time `json:"offline_since,omitzero"`
}

type Event struct {
	Type   string             `json:"type"`
	PeerID string             `json:"peer_id,omitempty"`
	Peer   *Contact           `json:"peer,omitempty"`
	Peers  map[string]Contact `json:"peers,omitempty"`
}

// Table tracks every peer seen via presence heartbeats plus the per-peer
// call indicator. The contact-list surface renders straight from Snapshot
// and keeps itself current via Subscribe.
type Table struct {
	mu        sync.Mutex
	peers     map[string]Contact
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		peers:     map[string]Contact{},
		listeners: make([]chan Event, 0),
	}
}

func (t *Table) Upsert(id, account string, callsDisabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reachable := true
	callState := ""
	if existing, ok := t.peers[id]; ok {
		if existing.OfflineSince.IsZero() {
			reachable = existing.Reachable
		}
		callState = existing.CallState
	}
	peer := Contact{
		Account:       account,
		CallsDisabled: callsDisabled,
		Reachable:     reachable,
		CallState:     callState,
		LastSeen:      time.Now(),
	}
	t.peers[id] = peer
	t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &peer})
}

func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = time.Now()
	t.peers[id] = sp
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyListeners(Event{Type: "remove", PeerID: id})
}

func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	wasOnline := sp.OfflineSince.IsZero()
	sp.Reachable = false
	if wasOnline {
		sp.OfflineSince = time.Now()
	}
	t.peers[id] = sp
	if wasOnline {
		t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &sp})
	}
}

func (t *Table) Get(id string) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// FindByAccount returns the peer ID currently announcing account.
func (t *Table) FindByAccount(account string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.Account == account {
			return id, true
		}
	}
	return "", false
}

func (t *Table) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

func (t *Table) SetReachable(id string, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	if sp.Reachable == reachable {
		return
	}
	sp.Reachable = reachable
	t.peers[id] = sp
	t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &sp})
}

// SetCallState updates the call indicator on a contact row. Unknown peers
// get a minimal row so an indicator is never silently dropped while the
// presence heartbeat is late.
func (t *Table) SetCallState(id, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		sp = Contact{LastSeen: time.Now()}
	}
	if ok && sp.CallState == state {
		return
	}
	sp.CallState = state
	t.peers[id] = sp
	t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &sp})
}

func (t *Table) Snapshot() map[string]Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Contact, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// PruneStale moves online peers with expired TTL to offline state, then
// removes offline peers that have exceeded the grace period.
func (t *Table) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = time.Now()
				t.peers[id] = sp
				t.notifyListeners(Event{Type: "update", PeerID: id, Peer: &sp})
			}
		} else {
			if sp.OfflineSince.Before(graceCutoff) {
				delete(t.peers, id)
				t.notifyListeners(Event{Type: "remove", PeerID: id})
			}
		}
	}
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
