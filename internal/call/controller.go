package call

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/wisp-im/wisp/internal/gateway"
)

// Config tunes the controller's timers.
type Config struct {
	// DisplayGrace keeps a terminated session in the registry briefly so
	// surfaces can show the terminal status before it disappears.
	DisplayGrace time.Duration
	// StatsInterval is the diagnostics polling period for active calls.
	StatsInterval time.Duration
	// RingTimeout is a local safety net for silenced incoming calls whose
	// remote side never times out. 0 disables it and trusts the peer.
	RingTimeout time.Duration
}

// DefaultConfig returns the timer defaults.
func DefaultConfig() Config {
	return Config{
		DisplayGrace:  4 * time.Second,
		StatsInterval: 2 * time.Second,
		RingTimeout:   0,
	}
}

// Controller receives gateway events, drives the state machine, and fans
// lifecycle changes out to observers. All state mutation happens on one
// dispatch goroutine: public commands and gateway-call completions are
// posted onto the same task queue the pushed events are consumed from, so
// the registry never sees concurrent writers and event reordering between
// an async gateway call and an unrelated pushed event is harmless.
type Controller struct {
	gw  gateway.Gateway
	reg *Registry
	cfg Config

	indicator Indicator
	notifier  Notifier
	screen    ScreenFunc

	obsMu     sync.RWMutex
	observers []Observer

	tasks chan func()
	done  chan struct{}

	// Per-session timers. Touched only on the dispatch goroutine.
	ringTimers map[string]*time.Timer
	statsStops map[string]chan struct{}
}

// NewController creates a controller and starts its dispatch loop.
// indicator, notifier and screen may be nil.
func NewController(gw gateway.Gateway, cfg Config, indicator Indicator, notifier Notifier, screen ScreenFunc) *Controller {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}
	if indicator == nil {
		indicator = nopIndicator{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	c := &Controller{
		gw:         gw,
		reg:        NewRegistry(),
		cfg:        cfg,
		indicator:  indicator,
		notifier:   notifier,
		screen:     screen,
		tasks:      make(chan func(), 128),
		done:       make(chan struct{}),
		ringTimers: make(map[string]*time.Timer),
		statsStops: make(map[string]chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// AddObserver registers a UI surface for lifecycle events.
func (c *Controller) AddObserver(o Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()
}

// Session returns a snapshot of one session.
func (c *Controller) Session(id string) (Snapshot, bool) {
	return c.reg.Get(id)
}

// Sessions returns snapshots of all live sessions.
func (c *Controller) Sessions() []Snapshot {
	return c.reg.All()
}

// FindByParticipant returns the in-progress session id for (account, peer).
func (c *Controller) FindByParticipant(accountID, peer string) (string, bool) {
	return c.reg.FindByParticipant(accountID, peer)
}

// CallsAvailable reports whether the gateway can take call commands.
func (c *Controller) CallsAvailable() bool {
	return c.gw.Available()
}

// Initiate places an outgoing call and returns the gateway's session id.
// The failure is returned to the caller — it originates from a user action.
func (c *Controller) Initiate(ctx context.Context, accountID, peer string, media []MediaKind) (string, error) {
	if !c.gw.Available() {
		return "", gateway.ErrUnavailable
	}
	id, err := c.gw.Initiate(ctx, accountID, peer, MediaStrings(media))
	if err != nil {
		return "", err
	}
	c.post(func() { c.createOutgoing(id, accountID, peer, media) })
	return id, nil
}

// Accept answers an incoming call. The prompt's Accept action routes here.
func (c *Controller) Accept(id string) { c.post(func() { c.accept(id) }) }

// Reject declines an incoming call.
func (c *Controller) Reject(id string) { c.post(func() { c.decline(id, ReasonDecline) }) }

// Silence stops local ringing without any gateway call; the remote side
// times out independently.
func (c *Controller) Silence(id string) { c.post(func() { c.silence(id) }) }

// Cancel aborts an outgoing call that has not been answered yet.
func (c *Controller) Cancel(id string) { c.post(func() { c.decline(id, ReasonCancel) }) }

// Hangup ends a connected call cleanly.
func (c *Controller) Hangup(id string) { c.post(func() { c.decline(id, ReasonSuccess) }) }

// Close stops the dispatch loop and hangs up every non-terminal session.
func (c *Controller) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	for _, s := range c.reg.All() {
		if !s.State.IsTerminal() {
			go c.gw.Hangup(context.Background(), s.ID, string(ReasonSuccess))
		}
	}
}

// post schedules fn onto the dispatch goroutine.
func (c *Controller) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// dispatchLoop is the single logical event queue: gateway-pushed events
// and posted tasks interleave here, and nowhere else mutates sessions.
func (c *Controller) dispatchLoop() {
	events := c.gw.Events()
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.tasks:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleEvent(ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventIncoming:
		c.handleIncoming(ev)

	case gateway.EventInitiated:
		// Echo of a locally initiated call (e.g. placed from another
		// surface of this process). Create only if Initiate didn't.
		if _, ok := c.reg.Get(ev.SessionID); !ok {
			c.createOutgoing(ev.SessionID, ev.AccountID, ev.Peer, MediaFromStrings(ev.Media))
		}

	case gateway.EventAccepted:
		c.handleAccepted(ev.SessionID)

	case gateway.EventStateChanged:
		c.handleConnState(ev.SessionID, ev.ConnState)

	case gateway.EventTerminated:
		c.finish(ev.SessionID, Reason(ev.Reason))
	}
}

func (c *Controller) handleIncoming(ev gateway.Event) {
	media := MediaFromStrings(ev.Media)
	snap, err := c.reg.Create(ev.SessionID, ev.AccountID, ev.Peer, media, DirectionIncoming)
	if err != nil {
		// Gateway contract violation; fatal to this call attempt only.
		log.Printf("CALL [%s]: discarding incoming call: %v", ev.SessionID, err)
		return
	}
	log.Printf("CALL [%s]: incoming from %s (media=%v)", snap.ID, snap.Peer, snap.Media)

	verdict := VerdictRing
	if c.screen != nil {
		verdict = c.screen(snap.AccountID, snap.Peer, media)
	}
	if verdict == VerdictReject {
		log.Printf("CALL [%s]: screened out, rejecting", snap.ID)
		c.decline(snap.ID, ReasonDecline)
		return
	}

	c.indicator.SetCallIndicator(snap.AccountID, snap.Peer, IndicatorIncoming)
	if verdict == VerdictSilence {
		snap, _ = c.reg.Silence(snap.ID)
	} else {
		c.notifier.NotifyIncoming(snap.AccountID, snap.Peer, snap.Media)
	}

	c.startRingTimer(snap.ID)

	actions := IncomingActions{
		Accept:  func() { c.Accept(snap.ID) },
		Reject:  func() { c.Reject(snap.ID) },
		Silence: func() { c.Silence(snap.ID) },
	}
	for _, o := range c.snapshotObservers() {
		o.OnIncoming(snap, actions)
	}
}

func (c *Controller) createOutgoing(id, accountID, peer string, media []MediaKind) {
	snap, err := c.reg.Create(id, accountID, peer, media, DirectionOutgoing)
	if err != nil {
		log.Printf("CALL [%s]: discarding outgoing call: %v", id, err)
		return
	}
	log.Printf("CALL [%s]: calling %s (media=%v)", id, peer, snap.Media)

	c.indicator.SetCallIndicator(accountID, peer, IndicatorOutgoing)
	c.startRingTimer(id)

	actions := OutgoingActions{Cancel: func() { c.Cancel(id) }}
	for _, o := range c.snapshotObservers() {
		o.OnOutgoing(snap, actions)
	}
}

// accept runs on the dispatch goroutine; the gateway call itself runs off
// it and posts its completion back. A terminated event may well arrive
// before the completion does — the terminal-absorbing machine covers that.
func (c *Controller) accept(id string) {
	snap, err := c.reg.Transition(id, Event{Kind: EventAcceptRequested})
	if err != nil {
		log.Printf("CALL [%s]: accept ignored: %v", id, err)
		return
	}
	c.notifyState(snap)
	c.stopRingTimer(id)
	c.startStats(id)

	go func() {
		err := c.gw.Accept(context.Background(), id)
		c.post(func() {
			if err != nil {
				log.Printf("CALL [%s]: gateway accept failed: %v", id, err)
				reason := ReasonAcceptFailed
				if errors.Is(err, gateway.ErrUnsupportedMedia) {
					reason = ReasonUnsupported
				}
				c.finish(id, reason)
				return
			}
			if cur, ok := c.reg.Get(id); ok && !cur.State.IsTerminal() {
				c.notifyConnected(cur)
			}
		})
	}()
}

// decline funnels every locally originated termination: reject, cancel and
// hangup all send a best-effort gateway hangup and terminate optimistically
// rather than waiting for a confirmation the gateway does not provide.
func (c *Controller) decline(id string, reason Reason) {
	go c.gw.Hangup(context.Background(), id, string(reason))
	c.finish(id, reason)
}

func (c *Controller) silence(id string) {
	snap, err := c.reg.Silence(id)
	if err != nil {
		log.Printf("CALL [%s]: silence ignored: %v", id, err)
		return
	}
	c.notifier.Dismiss(snap.AccountID, snap.Peer)
	c.notifyState(snap)
	log.Printf("CALL [%s]: silenced, waiting for remote timeout", id)
}

func (c *Controller) handleAccepted(id string) {
	snap, err := c.reg.Transition(id, Event{Kind: EventPeerAccepted})
	if err != nil {
		log.Printf("CALL [%s]: stale accept event: %v", id, err)
		return
	}
	log.Printf("CALL [%s]: peer accepted", id)
	c.stopRingTimer(id)
	c.startStats(id)
	c.notifyConnected(snap)
	c.notifyState(snap)
}

func (c *Controller) handleConnState(id string, cs gateway.ConnState) {
	switch cs {
	case gateway.ConnConnected:
		snap, err := c.reg.Transition(id, Event{Kind: EventMediaConnected})
		if err != nil {
			log.Printf("CALL [%s]: stale media-connected: %v", id, err)
			return
		}
		c.indicator.SetCallIndicator(snap.AccountID, snap.Peer, IndicatorActive)
		c.notifyState(snap)

	case gateway.ConnDisconnected:
		snap, err := c.reg.Transition(id, Event{Kind: EventMediaDisconnected})
		if err != nil {
			return
		}
		c.notifyState(snap)

	case gateway.ConnFailed:
		c.finish(id, ReasonConnectivityError)
	}
	// new/connecting/closed carry no lifecycle information.
}

// finish is the single cleanup path for every termination, whatever its
// origin. Idempotent: a second call for the same id is advisory only.
func (c *Controller) finish(id string, reason Reason) {
	snap, err := c.reg.Transition(id, Event{Kind: EventTerminate, Reason: reason})
	switch {
	case errors.Is(err, ErrUnknownSession):
		log.Printf("CALL [%s]: stale terminate(%s) for unknown session", id, reason)
		return
	case errors.Is(err, ErrTerminalSession):
		log.Printf("CALL [%s]: duplicate terminate(%s), already %s", id, reason, snap.State)
		return
	}
	log.Printf("CALL [%s]: terminated reason=%s state=%s", id, reason, snap.State)

	c.stopRingTimer(id)
	c.stopStats(id)

	c.indicator.SetCallIndicator(snap.AccountID, snap.Peer, IndicatorNone)

	// A missed call swaps the ringing notification for a missed-call one;
	// everything else just clears whatever is showing.
	if snap.State == StateMissed {
		c.notifier.NotifyMissed(snap.AccountID, snap.Peer)
	} else {
		c.notifier.Dismiss(snap.AccountID, snap.Peer)
	}

	for _, o := range c.snapshotObservers() {
		o.OnTerminated(snap)
	}

	// Observers have all seen the terminal state; the session may now
	// leave the registry, after the display grace if one is configured.
	if c.cfg.DisplayGrace > 0 {
		time.AfterFunc(c.cfg.DisplayGrace, func() {
			c.post(func() { c.reg.Remove(id) })
		})
	} else {
		c.reg.Remove(id)
	}
}

// ---- timers ----

func (c *Controller) startRingTimer(id string) {
	if c.cfg.RingTimeout <= 0 {
		return
	}
	c.ringTimers[id] = time.AfterFunc(c.cfg.RingTimeout, func() {
		c.post(func() { c.finish(id, ReasonTimeout) })
	})
}

func (c *Controller) stopRingTimer(id string) {
	if t, ok := c.ringTimers[id]; ok {
		t.Stop()
		delete(c.ringTimers, id)
	}
}

// startStats launches the diagnostics polling loop for one session. The
// loop dies the instant the session goes terminal or the controller stops.
func (c *Controller) startStats(id string) {
	if _, running := c.statsStops[id]; running {
		return
	}
	stop := make(chan struct{})
	c.statsStops[id] = stop

	go func() {
		t := time.NewTicker(c.cfg.StatsInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-t.C:
				stats, err := c.gw.GetStats(context.Background(), id)
				if err != nil {
					continue
				}
				c.post(func() {
					snap, ok := c.reg.Get(id)
					if !ok || snap.State.IsTerminal() {
						return
					}
					for _, o := range c.snapshotObservers() {
						o.OnStats(snap, stats)
					}
				})
			}
		}
	}()
}

func (c *Controller) stopStats(id string) {
	if stop, ok := c.statsStops[id]; ok {
		close(stop)
		delete(c.statsStops, id)
	}
}

// ---- fanout ----

func (c *Controller) snapshotObservers() []Observer {
	c.obsMu.RLock()
	out := make([]Observer, len(c.observers))
	copy(out, c.observers)
	c.obsMu.RUnlock()
	return out
}

func (c *Controller) notifyState(snap Snapshot) {
	for _, o := range c.snapshotObservers() {
		o.OnState(snap)
	}
}

func (c *Controller) notifyConnected(snap Snapshot) {
	for _, o := range c.snapshotObservers() {
		o.OnConnected(snap)
	}
}

type nopIndicator struct{}

func (nopIndicator) SetCallIndicator(string, string, IndicatorState) {}

type nopNotifier struct{}

func (nopNotifier) NotifyIncoming(string, string, []MediaKind) {}
func (nopNotifier) NotifyMissed(string, string)                {}
func (nopNotifier) Dismiss(string, string)                     {}
