// Package call owns the call-session registry, the lifecycle state machine
// and the controller that drives both from signaling gateway events.
// It is designed to be maximally standalone — coupling to the transport
// layer is via the gateway.Gateway interface only, and coupling to the UI
// is via the Observer, Indicator and Notifier contracts.
package call

import (
	"errors"
	"time"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateRinging      State = "ringing"
	StateEstablishing State = "establishing"
	StateInProgress   State = "in-progress"
	StateOtherDevice  State = "other-device"

	StateEnded             State = "ended"
	StateDeclined          State = "declined"
	StateMissed            State = "missed"
	StateFailed            State = "failed"
	StateAnsweredElsewhere State = "answered-elsewhere"
	StateRejectedElsewhere State = "rejected-elsewhere"
)

// IsTerminal reports whether no further transition is valid from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateRinging, StateEstablishing, StateInProgress, StateOtherDevice:
		return false
	}
	return true
}

// Direction indicates which side placed the call.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// MediaKind is one requested media stream kind.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// HasVideo reports whether the media set includes video.
func HasVideo(media []MediaKind) bool {
	for _, m := range media {
		if m == MediaVideo {
			return true
		}
	}
	return false
}

// MediaStrings converts a media set to plain strings for the gateway wire.
func MediaStrings(media []MediaKind) []string {
	out := make([]string, len(media))
	for i, m := range media {
		out[i] = string(m)
	}
	return out
}

// MediaFromStrings parses gateway media kinds, dropping unknown entries.
func MediaFromStrings(raw []string) []MediaKind {
	out := make([]MediaKind, 0, len(raw))
	for _, r := range raw {
		switch MediaKind(r) {
		case MediaAudio, MediaVideo:
			out = append(out, MediaKind(r))
		}
	}
	return out
}

// Reason is a termination reason as reported by the gateway or synthesized
// locally when a user-triggered gateway call fails.
type Reason string

const (
	ReasonSuccess           Reason = "success"
	ReasonDecline           Reason = "decline"
	ReasonBusy              Reason = "busy"
	ReasonCancel            Reason = "cancel"
	ReasonTimeout           Reason = "timeout"
	ReasonConnectivityError Reason = "connectivity-error"
	ReasonAcceptFailed      Reason = "accept-failed"
	ReasonUnsupported       Reason = "unsupported"
	ReasonAnsweredElsewhere Reason = "answered-elsewhere"
	ReasonRejectedElsewhere Reason = "rejected-elsewhere"
)

// EventKind identifies a state-machine input.
type EventKind string

const (
	EventAcceptRequested   EventKind = "accept-requested"
	EventPeerAccepted      EventKind = "peer-accepted"
	EventMediaConnected    EventKind = "media-connected"
	EventMediaDisconnected EventKind = "media-disconnected"
	EventClaimedElsewhere  EventKind = "claimed-elsewhere"
	EventTerminate         EventKind = "terminate"
)

// Event is one state-machine input. Reason is set only for EventTerminate.
type Event struct {
	Kind   EventKind
	Reason Reason
}

// Registry and controller error taxonomy. ErrTerminalSession and
// ErrUnknownSession are advisory at the controller level — duplicate or
// stale gateway events are expected under unreliable networks.
var (
	ErrDuplicateSession = errors.New("call: session id already exists")
	ErrUnknownSession   = errors.New("call: unknown session")
	ErrTerminalSession  = errors.New("call: session already terminal")
)

// Session is one call attempt, uniquely identified for its lifetime.
// The Registry is the sole owner; everything outside the registry sees
// value copies via Snapshot.
type Session struct {
	ID        string
	AccountID string
	Peer      string
	Media     []MediaKind
	Direction Direction

	State State

	// MediaDown is the connectivity sub-status: true while the media layer
	// reports disconnected on an in-progress call. Never a state change.
	MediaDown bool

	// Silenced marks an incoming session the user chose to silence. The
	// session stays ringing locally until the remote side times out.
	Silenced bool

	CreatedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	// Reason and Label are set on the terminal transition only.
	Reason Reason
	Label  string
}

// Snapshot is the read-only view of a session handed to observers.
type Snapshot struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Peer        string      `json:"peer"`
	Media       []MediaKind `json:"media"`
	Direction   Direction   `json:"direction"`
	State       State       `json:"state"`
	MediaDown   bool        `json:"media_down,omitempty"`
	Silenced    bool        `json:"silenced,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ConnectedAt time.Time   `json:"connected_at,omitzero"`
	EndedAt     time.Time   `json:"ended_at,omitzero"`
	Reason      Reason      `json:"reason,omitempty"`
	Label       string      `json:"label,omitempty"`
}

// Duration is ended_at - connected_at when both are set, else zero.
func (s Snapshot) Duration() time.Duration {
	if s.ConnectedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}

func (s *Session) snapshot() Snapshot {
	media := make([]MediaKind, len(s.Media))
	copy(media, s.Media)
	return Snapshot{
		ID:          s.ID,
		AccountID:   s.AccountID,
		Peer:        s.Peer,
		Media:       media,
		Direction:   s.Direction,
		State:       s.State,
		MediaDown:   s.MediaDown,
		Silenced:    s.Silenced,
		CreatedAt:   s.CreatedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
		Reason:      s.Reason,
		Label:       s.Label,
	}
}
