package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wisp-im/wisp/internal/proto"
)

// Publish broadcasts one presence heartbeat of the given type.
func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Account = n.selfAccount()
		msg.CallsDisabled = n.selfCallsDisabled()
		msg.Addrs = n.wanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.topic.Publish(ctx, b)
}

// StartHeartbeat announces online immediately, then keeps publishing update
// heartbeats and pruning stale roster entries until ctx is cancelled, when a
// final offline message goes out.
func (n *Node) StartHeartbeat(ctx context.Context, interval time.Duration) {
	n.Publish(ctx, proto.TypeOnline)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				offCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				n.Publish(offCtx, proto.TypeOffline)
				cancel()
				return
			case <-t.C:
				n.Publish(ctx, proto.TypeUpdate)
				n.peers.PruneStale(
					time.Now().Add(-n.presenceTTL),
					time.Now().Add(-10*n.presenceTTL),
				)
			}
		}
	}()
}

// RunPresenceLoop consumes presence heartbeats and keeps the roster current.
func (n *Node) RunPresenceLoop(ctx context.Context) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" {
				continue
			}
			if pm.PeerID == n.ID() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.Upsert(pm.PeerID, pm.Account, pm.CallsDisabled)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				n.peers.MarkOffline(pm.PeerID)
			}
		}
	}()
}
