package proto

import "time"

const (
	PresenceTopic = "wisp.presence.v1"
	MdnsTag       = "wisp-mdns"

	// libp2p stream protocol ID carrying call signaling envelopes
	CallSignalProtoID = "/wisp/call-signal/1.0.0"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the gossipsub heartbeat every peer publishes. Addrs lets
// receivers seed their peerstore so the signaling stream can be dialed
// without a separate discovery round-trip.
type PresenceMsg struct {
	Type          string   `json:"type"` // online|update|offline
	PeerID        string   `json:"peerId"`
	Account       string   `json:"account,omitempty"`
	CallsDisabled bool     `json:"callsDisabled,omitempty"` // Peer has calls switched off
	Addrs         []string `json:"addrs,omitempty"`         // Multiaddresses for WAN connectivity
	TS            int64    `json:"ts"`
}

// Signal message types, in the order they flow during a call.
const (
	SigCallRequest = "call-request"
	SigCallAccept  = "call-accept"
	SigOffer       = "call-offer"
	SigAnswer      = "call-answer"
	SigICE         = "ice-candidate"
	SigHangup      = "call-hangup"
)

// SignalMsg is one call-signaling envelope on the CallSignalProtoID stream.
// From is filled in by the receiving transport from the authenticated stream
// peer, never trusted from the payload.
type SignalMsg struct {
	Type      string   `json:"type"`
	CallID    string   `json:"callId"`
	From      string   `json:"-"`
	Account   string   `json:"account,omitempty"`
	Media     []string `json:"media,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Candidate string   `json:"candidate,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	TS        int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
