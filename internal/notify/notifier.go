// Package notify owns system notifications for calls: one ringing
// notification per conversation, swapped for a missed-call notification when
// an unanswered call times out.
package notify

import (
	"fmt"
	"log"
	"sync"

	"github.com/wisp-im/wisp/internal/call"
)

// Sink is the OS notification backend. The default LogSink just logs;
// desktop builds plug in a real one.
type Sink interface {
	Show(id, title, body string) error
	Close(id string) error
}

// LogSink writes notifications to the process log.
type LogSink struct{}

func (LogSink) Show(id, title, body string) error {
	log.Printf("NOTIFY [%s]: %s — %s", id, title, body)
	return nil
}

func (LogSink) Close(id string) error {
	log.Printf("NOTIFY [%s]: dismissed", id)
	return nil
}

// Manager implements the controller's notifier surface. At most one ringing
// notification exists per (account, peer); a missed-call notification always
// replaces the ringing one, never joins it.
type Manager struct {
	sink Sink

	mu      sync.Mutex
	ringing map[string]string // conversation key -> shown notification id
}

func New(sink Sink) *Manager {
	if sink == nil {
		sink = LogSink{}
	}
	return &Manager{
		sink:    sink,
		ringing: make(map[string]string),
	}
}

func convKey(accountID, peer string) string { return accountID + "|" + peer }

func (m *Manager) NotifyIncoming(accountID, peer string, media []call.MediaKind) {
	key := convKey(accountID, peer)

	m.mu.Lock()
	if _, dup := m.ringing[key]; dup {
		m.mu.Unlock()
		return
	}
	id := "ring-" + key
	m.ringing[key] = id
	m.mu.Unlock()

	kind := "Audio call"
	if call.HasVideo(media) {
		kind = "Video call"
	}
	if err := m.sink.Show(id, "Incoming call", fmt.Sprintf("%s from %s", kind, peer)); err != nil {
		log.Printf("NOTIFY: show failed: %v", err)
	}
}

func (m *Manager) NotifyMissed(accountID, peer string) {
	key := convKey(accountID, peer)

	m.mu.Lock()
	ringID, hadRinging := m.ringing[key]
	delete(m.ringing, key)
	m.mu.Unlock()

	if hadRinging {
		_ = m.sink.Close(ringID)
	}
	if err := m.sink.Show("missed-"+key, "Missed call", fmt.Sprintf("Missed call from %s", peer)); err != nil {
		log.Printf("NOTIFY: show failed: %v", err)
	}
}

func (m *Manager) Dismiss(accountID, peer string) {
	key := convKey(accountID, peer)

	m.mu.Lock()
	ringID, ok := m.ringing[key]
	delete(m.ringing, key)
	m.mu.Unlock()

	if ok {
		_ = m.sink.Close(ringID)
	}
}
