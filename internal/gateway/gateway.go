// Package gateway defines the signaling-gateway surface the call core
// consumes: call setup/teardown commands, live diagnostics, and the inbound
// event stream. The Pion-backed implementation lives in pion.go; tests use
// in-memory fakes.
package gateway

import (
	"context"
	"errors"
)

// ConnState is the media-layer connection sub-state reported alongside the
// call lifecycle. It never drives lifecycle transitions directly.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// EventKind identifies a gateway-pushed event.
type EventKind string

const (
	EventIncoming     EventKind = "call-incoming"
	EventInitiated    EventKind = "call-initiated"
	EventAccepted     EventKind = "call-accepted"
	EventStateChanged EventKind = "call-state-changed"
	EventTerminated   EventKind = "call-terminated"
)

// Event is one inbound gateway event. Media is set for incoming/initiated,
// ConnState for state-changed, Reason for terminated.
type Event struct {
	Kind      EventKind
	AccountID string
	SessionID string
	Peer      string
	Media     []string
	ConnState ConnState
	Reason    string
}

// Stats is a point-in-time diagnostics snapshot for one call.
type Stats struct {
	ConnectionState  ConnState `json:"connection_state"`
	ICEState         string    `json:"ice_state"`
	TransportType    string    `json:"transport_type"`
	BandwidthKbps    float64   `json:"bandwidth_kbps"`
	BytesSent        uint64    `json:"bytes_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
	PacketsReceived  uint64    `json:"packets_received"`
	LocalCandidates  []string  `json:"local_candidates"`
	RemoteCandidates []string  `json:"remote_candidates"`
}

var (
	// ErrUnavailable means no gateway is running; call actions should be
	// disabled rather than attempted.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrUnknownCall means the session id is not (or no longer) known
	// upstream.
	ErrUnknownCall = errors.New("gateway: unknown call")
	// ErrPeerUnreachable means the peer cannot be dialed right now.
	ErrPeerUnreachable = errors.New("gateway: peer unreachable")
	// ErrUnsupportedMedia means the peer's client cannot take this call.
	// Distinguished so the UI can explain instead of showing a generic
	// failure.
	ErrUnsupportedMedia = errors.New("gateway: peer does not support requested media")
)

// Gateway is the external collaborator performing call setup/teardown.
// Initiate, Accept, Hangup and GetStats are asynchronous operations; the
// caller must not assume ordering between their completion and the arrival
// of an unrelated pushed event.
type Gateway interface {
	// Available reports whether the gateway can take commands. A controller
	// facing an unavailable gateway degrades gracefully (call actions are
	// refused with ErrUnavailable) instead of special-casing its absence.
	Available() bool

	// Initiate starts an outgoing call and returns its session id.
	Initiate(ctx context.Context, accountID, peer string, media []string) (string, error)

	// Accept answers an incoming call. Fails if the session is unknown or
	// already terminated upstream.
	Accept(ctx context.Context, sessionID string) error

	// Hangup is best-effort teardown; calling it on an already-terminated
	// session is not an error.
	Hangup(ctx context.Context, sessionID string, reason string) error

	// GetStats returns live diagnostics for an active call.
	GetStats(ctx context.Context, sessionID string) (Stats, error)

	// Events returns the pushed-event stream. The channel is never closed;
	// it simply goes quiet after Close. Consumers stop on their own done
	// signal.
	Events() <-chan Event

	// Close tears down all calls. Events arriving after Close are dropped.
	Close()
}
