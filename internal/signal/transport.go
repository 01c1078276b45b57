// Package signal carries call signaling between peers: a libp2p host with a
// persistent identity, a newline-delimited JSON stream protocol for call
// envelopes, and gossipsub presence heartbeats feeding the roster.
package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wisp-im/wisp/internal/proto"
	"github.com/wisp-im/wisp/internal/roster"
	"github.com/wisp-im/wisp/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the signaling endpoint: one libp2p host, one presence topic, and
// the call-signal stream protocol.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	selfAccount       func() string
	selfCallsDisabled func() bool
	peers             *roster.Table

	// Presence TTL for peer addresses learned from heartbeats.
	presenceTTL time.Duration

	listenerMu sync.RWMutex
	listeners  map[chan *proto.SignalMsg]struct{}
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, listenPort int, keyFile string, peers *roster.Table, selfAccount func() string, selfCallsDisabled func() bool, presenceTTL time.Duration) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS
	md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:              h,
		ps:                ps,
		topic:             topic,
		sub:               sub,
		selfAccount:       selfAccount,
		selfCallsDisabled: selfCallsDisabled,
		peers:             peers,
		presenceTTL:       presenceTTL,
		listeners:         make(map[chan *proto.SignalMsg]struct{}),
	}

	h.SetStreamHandler(protocol.ID(proto.CallSignalProtoID), n.handleSignalStream)

	return n, nil
}

func (n *Node) Close() error {
	n.listenerMu.Lock()
	for ch := range n.listeners {
		close(ch)
	}
	n.listeners = nil
	n.listenerMu.Unlock()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Send delivers one signaling envelope to a peer. A fresh stream per
// envelope keeps the protocol stateless; the libp2p muxer makes this cheap.
func (n *Node) Send(ctx context.Context, peerID string, msg proto.SignalMsg) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("decode peer ID: %w", err)
	}

	// Best effort connect (mDNS usually already connected)
	_ = n.Host.Connect(ctx, peer.AddrInfo{ID: pid})

	s, err := n.Host.NewStream(ctx, pid, protocol.ID(proto.CallSignalProtoID))
	if err != nil {
		return fmt.Errorf("open signal stream: %w", err)
	}
	defer s.Close()

	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetWriteDeadline(deadline)
	}
	if err := json.NewEncoder(s).Encode(&msg); err != nil {
		return fmt.Errorf("write signal envelope: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives inbound signaling envelopes.
func (n *Node) Subscribe() (ch chan *proto.SignalMsg, cancel func()) {
	ch = make(chan *proto.SignalMsg, 64)

	n.listenerMu.Lock()
	n.listeners[ch] = struct{}{}
	n.listenerMu.Unlock()

	cancel = func() {
		n.listenerMu.Lock()
		if _, ok := n.listeners[ch]; ok {
			delete(n.listeners, ch)
			close(ch)
		}
		n.listenerMu.Unlock()
	}
	return ch, cancel
}

// handleSignalStream reads newline-delimited JSON envelopes until the remote
// side closes the stream. From is stamped with the authenticated stream peer
// so a peer cannot speak for another.
func (n *Node) handleSignalStream(s network.Stream) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()

	rd := bufio.NewReader(s)
	dec := json.NewDecoder(rd)
	for {
		var msg proto.SignalMsg
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Type == "" || msg.CallID == "" {
			continue
		}
		msg.From = from

		n.listenerMu.RLock()
		for ch := range n.listeners {
			select {
			case ch <- &msg:
			default:
			}
		}
		n.listenerMu.RUnlock()
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings from a heartbeat and adds them to
// the peerstore so call signaling can dial without rediscovery.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var usable []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		usable = append(usable, a)
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(usable) > 0 {
		n.Host.Peerstore().AddAddrs(pid, usable, ttl)
	}
}
