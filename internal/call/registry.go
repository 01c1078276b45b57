package call

import (
	"sync"
	"time"
)

// participant is the secondary index key: one live call per (account, peer).
type participant struct {
	account string
	peer    string
}

// Registry is the authoritative owner of call sessions. Only the Controller
// mutates it; observer surfaces read snapshots through accessor calls.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPeer   map[participant]string // (account, peer) → session id, in-progress calls only
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byPeer:   make(map[participant]string),
	}
}

// Create registers a new session in StateRinging. Returns
// ErrDuplicateSession if the id is already live — a gateway contract
// violation that is fatal to the call attempt.
func (r *Registry) Create(id, accountID, peer string, media []MediaKind, dir Direction) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return Snapshot{}, ErrDuplicateSession
	}

	s := &Session{
		ID:        id,
		AccountID: accountID,
		Peer:      peer,
		Media:     media,
		Direction: dir,
		State:     StateRinging,
		CreatedAt: time.Now(),
	}
	r.sessions[id] = s

	// At most one index entry per call in progress; a second concurrent
	// call to the same participant keeps the first entry.
	key := participant{accountID, peer}
	if _, taken := r.byPeer[key]; !taken {
		r.byPeer[key] = id
	}

	return s.snapshot(), nil
}

// Transition applies one event to a session. Idempotent events (computed
// next state equals the current state) succeed without changing anything.
// Events against a terminal session fail with ErrTerminalSession; unknown
// ids fail with ErrUnknownSession.
func (r *Registry) Transition(id string, ev Event) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	if s.State.IsTerminal() {
		return s.snapshot(), ErrTerminalSession
	}

	if ev.Kind == EventTerminate {
		st, label := Outcome(ev.Reason, s.Direction, !s.ConnectedAt.IsZero())
		s.State = st
		s.Reason = ev.Reason
		s.Label = label
		s.EndedAt = time.Now()
		s.MediaDown = false
		// The index entry goes away with the call, not with the grace
		// period: an ended session must not shadow a new call.
		r.dropIndex(s)
		return s.snapshot(), nil
	}

	nxt, err := next(s.State, ev)
	if err != nil {
		return s.snapshot(), err
	}

	switch ev.Kind {
	case EventMediaConnected:
		if s.ConnectedAt.IsZero() {
			s.ConnectedAt = time.Now()
		}
		s.MediaDown = false
	case EventMediaDisconnected:
		if s.State == StateInProgress {
			s.MediaDown = true
		}
	}

	s.State = nxt
	return s.snapshot(), nil
}

// Silence marks an incoming session as silenced. Lifecycle state does not
// change; the remote side runs its own ring timeout.
func (r *Registry) Silence(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	if s.State.IsTerminal() {
		return s.snapshot(), ErrTerminalSession
	}
	s.Silenced = true
	return s.snapshot(), nil
}

// Remove deletes a session and any index entry still pointing at it.
// No-op if the id is absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.dropIndex(s)
	delete(r.sessions, id)
}

// dropIndex removes the participant index entry iff it maps to s.
// Caller holds r.mu.
func (r *Registry) dropIndex(s *Session) {
	key := participant{s.AccountID, s.Peer}
	if cur, ok := r.byPeer[key]; ok && cur == s.ID {
		delete(r.byPeer, key)
	}
}

// Get returns a snapshot of the session, if live.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// FindByParticipant returns the in-progress session id for (account, peer).
// Supports roster-indicator lookups.
func (r *Registry) FindByParticipant(accountID, peer string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPeer[participant{accountID, peer}]
	return id, ok
}

// All returns snapshots of every live session, terminal ones included
// while they wait out their display-grace period.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
