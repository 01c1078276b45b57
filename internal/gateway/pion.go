package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wisp-im/wisp/internal/proto"
)

// Signaler is the only surface the gateway needs from the signal layer.
// internal/signal.Node satisfies it; tests use a loopback fake.
type Signaler interface {
	Send(ctx context.Context, peerID string, msg proto.SignalMsg) error
	Subscribe() (ch chan *proto.SignalMsg, cancel func())
}

// PionConfig tunes the Pion-backed gateway.
type PionConfig struct {
	// RingTimeout bounds how long an outgoing call may ring unanswered
	// before the gateway gives up and reports a timeout.
	RingTimeout time.Duration
	StunServers []string
}

// DefaultPionConfig returns the gateway defaults.
func DefaultPionConfig() PionConfig {
	return PionConfig{
		RingTimeout: 45 * time.Second,
		StunServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// pionCall is one live call attempt and its media connection state.
type pionCall struct {
	id        string
	peer      string
	accountID string
	media     []string
	outbound  bool

	bytesReceived   uint64 // atomic
	packetsReceived uint64 // atomic

	mu               sync.Mutex
	pc               *webrtc.PeerConnection
	localCandidates  []string
	remoteCandidates []string
	accepted         bool
	ringTimer        *time.Timer
	lastSampleAt     time.Time
	lastSampleBytes  uint64

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pionCall) markClosed() (first bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

// PionGateway implements Gateway on top of Pion WebRTC with call signaling
// carried by a Signaler. One goroutine consumes the signal stream; SDP
// negotiation runs off it because ICE gathering blocks.
type PionGateway struct {
	sig       Signaler
	accountID string
	cfg       PionConfig

	mu    sync.RWMutex
	calls map[string]*pionCall

	events chan Event
	done   chan struct{}
}

// NewPion creates the gateway and starts consuming signaling envelopes.
func NewPion(sig Signaler, accountID string, cfg PionConfig) *PionGateway {
	def := DefaultPionConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if len(cfg.StunServers) == 0 {
		cfg.StunServers = def.StunServers
	}
	g := &PionGateway{
		sig:       sig,
		accountID: accountID,
		cfg:       cfg,
		calls:     make(map[string]*pionCall),
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}
	go g.dispatchLoop()
	return g
}

func (g *PionGateway) Available() bool {
	select {
	case <-g.done:
		return false
	default:
		return true
	}
}

func (g *PionGateway) Events() <-chan Event { return g.events }

func (g *PionGateway) Initiate(ctx context.Context, accountID, peer string, media []string) (string, error) {
	if !g.Available() {
		return "", ErrUnavailable
	}
	id := uuid.NewString()
	c := &pionCall{
		id:        id,
		peer:      peer,
		accountID: accountID,
		media:     media,
		outbound:  true,
		closed:    make(chan struct{}),
	}

	g.mu.Lock()
	g.calls[id] = c
	g.mu.Unlock()

	err := g.sig.Send(ctx, peer, proto.SignalMsg{
		Type:    proto.SigCallRequest,
		CallID:  id,
		Account: accountID,
		Media:   media,
	})
	if err != nil {
		g.remove(id)
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	c.mu.Lock()
	c.ringTimer = time.AfterFunc(g.cfg.RingTimeout, func() { g.ringTimeout(id) })
	c.mu.Unlock()

	log.Printf("GATEWAY [%s]: calling %s (media=%v)", id, peer, media)
	return id, nil
}

func (g *PionGateway) Accept(ctx context.Context, sessionID string) error {
	c, ok := g.get(sessionID)
	if !ok {
		return ErrUnknownCall
	}
	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()

	err := g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigCallAccept,
		CallID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("send call-accept: %w", err)
	}
	log.Printf("GATEWAY [%s]: accept sent to %s", sessionID, c.peer)
	return nil
}

func (g *PionGateway) Hangup(ctx context.Context, sessionID string, reason string) error {
	c, ok := g.get(sessionID)
	if !ok {
		// Already gone upstream; hangup is best-effort by contract.
		return nil
	}
	_ = g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigHangup,
		CallID: sessionID,
		Reason: reason,
	})
	g.teardown(c)
	log.Printf("GATEWAY [%s]: hangup sent (%s)", sessionID, reason)
	return nil
}

func (g *PionGateway) GetStats(_ context.Context, sessionID string) (Stats, error) {
	c, ok := g.get(sessionID)
	if !ok {
		return Stats{}, ErrUnknownCall
	}

	received := atomic.LoadUint64(&c.bytesReceived)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		ConnectionState: ConnNew,
		TransportType:   "udp",
		BytesReceived:   received,
		PacketsReceived: atomic.LoadUint64(&c.packetsReceived),
	}
	if c.pc != nil {
		st.ConnectionState = mapConnState(c.pc.ConnectionState())
		st.ICEState = c.pc.ICEConnectionState().String()
	}
	st.LocalCandidates = append([]string(nil), c.localCandidates...)
	st.RemoteCandidates = append([]string(nil), c.remoteCandidates...)

	now := time.Now()
	if !c.lastSampleAt.IsZero() {
		elapsed := now.Sub(c.lastSampleAt).Seconds()
		if elapsed > 0 && received >= c.lastSampleBytes {
			st.BandwidthKbps = float64(received-c.lastSampleBytes) * 8 / 1000 / elapsed
		}
	}
	c.lastSampleAt = now
	c.lastSampleBytes = received

	return st, nil
}

func (g *PionGateway) Close() {
	select {
	case <-g.done:
		return
	default:
		close(g.done)
	}

	g.mu.Lock()
	calls := g.calls
	g.calls = make(map[string]*pionCall)
	g.mu.Unlock()

	for _, c := range calls {
		g.closeCall(c)
	}
	// g.events is deliberately never closed: PeerConnection teardown fires
	// state-change callbacks asynchronously, and a late emit racing a closed
	// channel would panic. Consumers stop on their own done signal; emit
	// drops events once done is closed.
}

// ---- signal dispatch ----

func (g *PionGateway) dispatchLoop() {
	ch, cancel := g.sig.Subscribe()
	defer cancel()

	for {
		select {
		case <-g.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.dispatch(msg)
		}
	}
}

func (g *PionGateway) dispatch(msg *proto.SignalMsg) {
	switch msg.Type {
	case proto.SigCallRequest:
		g.handleRequest(msg)
	case proto.SigCallAccept:
		g.handleAcceptSignal(msg)
	case proto.SigOffer:
		g.handleOffer(msg)
	case proto.SigAnswer:
		g.handleAnswer(msg)
	case proto.SigICE:
		g.handleICE(msg)
	case proto.SigHangup:
		g.handleRemoteHangup(msg)
	}
}

func (g *PionGateway) handleRequest(msg *proto.SignalMsg) {
	g.mu.Lock()
	if _, dup := g.calls[msg.CallID]; dup {
		g.mu.Unlock()
		return
	}
	c := &pionCall{
		id:        msg.CallID,
		peer:      msg.From,
		accountID: g.accountID,
		media:     msg.Media,
		closed:    make(chan struct{}),
	}
	g.calls[msg.CallID] = c
	g.mu.Unlock()

	log.Printf("GATEWAY [%s]: call request from %s (media=%v)", msg.CallID, msg.From, msg.Media)
	g.emit(Event{
		Kind:      EventIncoming,
		AccountID: g.accountID,
		SessionID: msg.CallID,
		Peer:      msg.From,
		Media:     msg.Media,
	})
}

// handleAcceptSignal runs on the caller when the callee picks up: report the
// accept, then open the media connection and send the offer.
func (g *PionGateway) handleAcceptSignal(msg *proto.SignalMsg) {
	c, ok := g.get(msg.CallID)
	if !ok || !c.outbound || msg.From != c.peer {
		return
	}
	c.mu.Lock()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.mu.Unlock()

	log.Printf("GATEWAY [%s]: peer accepted", c.id)
	g.emit(Event{Kind: EventAccepted, SessionID: c.id, Peer: c.peer})

	go g.negotiateOffer(c)
}

// handleOffer runs on the callee once the caller's SDP arrives. The local
// accept must have happened first; an offer for an unaccepted call is stale.
func (g *PionGateway) handleOffer(msg *proto.SignalMsg) {
	c, ok := g.get(msg.CallID)
	if !ok || msg.From != c.peer {
		return
	}
	c.mu.Lock()
	accepted := c.accepted
	c.mu.Unlock()
	if !accepted {
		log.Printf("GATEWAY [%s]: offer before accept, ignoring", c.id)
		return
	}
	go g.negotiateAnswer(c, msg.SDP)
}

func (g *PionGateway) handleAnswer(msg *proto.SignalMsg) {
	c, ok := g.get(msg.CallID)
	if !ok || msg.From != c.peer {
		return
	}
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	// Guard against duplicate answers from retried envelopes.
	if pc.SignalingState() == webrtc.SignalingStateStable {
		log.Printf("GATEWAY [%s]: ignoring duplicate SDP answer", c.id)
		return
	}
	err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  msg.SDP,
	})
	if err != nil {
		log.Printf("GATEWAY [%s]: set remote answer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
	}
}

func (g *PionGateway) handleICE(msg *proto.SignalMsg) {
	c, ok := g.get(msg.CallID)
	if !ok || msg.From != c.peer {
		return
	}
	c.mu.Lock()
	c.remoteCandidates = append(c.remoteCandidates, msg.Candidate)
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
		log.Printf("GATEWAY [%s]: add ICE candidate: %v", c.id, err)
	}
}

func (g *PionGateway) handleRemoteHangup(msg *proto.SignalMsg) {
	c, ok := g.get(msg.CallID)
	if !ok || msg.From != c.peer {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "success"
	}
	log.Printf("GATEWAY [%s]: remote hangup (%s)", c.id, reason)
	g.teardown(c)
	g.emit(Event{Kind: EventTerminated, SessionID: c.id, Peer: c.peer, Reason: reason})
}

// ---- negotiation ----

func (g *PionGateway) negotiateOffer(c *pionCall) {
	pc, err := g.setupPeerConnection(c)
	if err != nil {
		log.Printf("GATEWAY [%s]: peer connection setup: %v", c.id, err)
		g.failCall(c, "connectivity-error")
		return
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		log.Printf("GATEWAY [%s]: create offer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
		return
	}

	// Wait for ICE gathering so the SDP carries complete candidates.
	<-webrtc.GatheringCompletePromise(pc)
	local := pc.LocalDescription()
	if local == nil {
		g.failCall(c, "connectivity-error")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigOffer,
		CallID: c.id,
		SDP:    local.SDP,
	})
	if err != nil {
		log.Printf("GATEWAY [%s]: send offer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
	}
}

func (g *PionGateway) negotiateAnswer(c *pionCall, offerSDP string) {
	pc, err := g.setupPeerConnection(c)
	if err != nil {
		log.Printf("GATEWAY [%s]: peer connection setup: %v", c.id, err)
		g.failCall(c, "connectivity-error")
		return
	}

	err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		log.Printf("GATEWAY [%s]: set remote offer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Printf("GATEWAY [%s]: create answer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
		return
	}

	<-webrtc.GatheringCompletePromise(pc)
	local := pc.LocalDescription()
	if local == nil {
		g.failCall(c, "connectivity-error")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigAnswer,
		CallID: c.id,
		SDP:    local.SDP,
	})
	if err != nil {
		log.Printf("GATEWAY [%s]: send answer: %v", c.id, err)
		g.failCall(c, "connectivity-error")
	}
}

func (g *PionGateway) setupPeerConnection(c *pionCall) (*webrtc.PeerConnection, error) {
	c.mu.Lock()
	if c.pc != nil {
		pc := c.pc
		c.mu.Unlock()
		return pc, nil
	}
	c.mu.Unlock()

	pc, err := newPeerConnection(c.id, g.cfg.StunServers)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		c.localCandidates = append(c.localCandidates, cand.String())
		c.mu.Unlock()
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go c.consumeTrack(track)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("GATEWAY [%s]: connection state → %s", c.id, s)
		g.emit(Event{
			Kind:      EventStateChanged,
			SessionID: c.id,
			Peer:      c.peer,
			ConnState: mapConnState(s),
		})
	})

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	return pc, nil
}

// ---- helpers ----

func mapConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

func (g *PionGateway) get(id string) (*pionCall, bool) {
	g.mu.RLock()
	c, ok := g.calls[id]
	g.mu.RUnlock()
	return c, ok
}

func (g *PionGateway) remove(id string) {
	g.mu.Lock()
	delete(g.calls, id)
	g.mu.Unlock()
}

func (g *PionGateway) closeCall(c *pionCall) {
	c.markClosed()
	c.mu.Lock()
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

func (g *PionGateway) teardown(c *pionCall) {
	g.remove(c.id)
	g.closeCall(c)
}

// failCall tears the call down and reports a terminal failure. A peer that
// cannot be told is simply left to its own timeout.
func (g *PionGateway) failCall(c *pionCall, reason string) {
	if _, ok := g.get(c.id); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigHangup,
		CallID: c.id,
		Reason: reason,
	})
	cancel()
	g.teardown(c)
	g.emit(Event{Kind: EventTerminated, SessionID: c.id, Peer: c.peer, Reason: reason})
}

func (g *PionGateway) ringTimeout(id string) {
	c, ok := g.get(id)
	if !ok {
		return
	}
	c.mu.Lock()
	answered := c.pc != nil
	c.mu.Unlock()
	if answered {
		return
	}
	log.Printf("GATEWAY [%s]: ring timeout", id)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = g.sig.Send(ctx, c.peer, proto.SignalMsg{
		Type:   proto.SigHangup,
		CallID: id,
		Reason: "timeout",
	})
	cancel()
	g.teardown(c)
	g.emit(Event{Kind: EventTerminated, SessionID: id, Peer: c.peer, Reason: "timeout"})
}

func (g *PionGateway) emit(ev Event) {
	select {
	case <-g.done:
		return
	default:
	}
	select {
	case g.events <- ev:
	case <-g.done:
	}
}
