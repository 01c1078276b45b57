package call

import "github.com/wisp-im/wisp/internal/gateway"

// IncomingActions are the commands an incoming-prompt surface may issue.
// All three re-enter the controller's task queue; none block.
type IncomingActions struct {
	// Accept asks the gateway to accept the call. On failure the session
	// is terminated with reason accept-failed and the error lands in the
	// terminal label — the prompt never stays open on a dead call.
	Accept func()
	// Reject requests hangup; the session terminates with reason decline.
	Reject func()
	// Silence stops local ringing without telling the remote side, which
	// runs its own timeout and eventually reports terminate(timeout).
	Silence func()
}

// OutgoingActions are the commands an outgoing-prompt surface may issue.
type OutgoingActions struct {
	Cancel func()
}

// Observer is the registration contract for UI surfaces. A surface
// implements the subset it cares about and ignores the rest; all callbacks
// are invoked from the controller's dispatch goroutine and must not block.
type Observer interface {
	// OnIncoming fires once per inbound call, before any state change.
	OnIncoming(s Snapshot, actions IncomingActions)
	// OnOutgoing fires once per locally initiated call.
	OnOutgoing(s Snapshot, actions OutgoingActions)
	// OnConnected fires when the call leaves ringing on the happy path —
	// the active-call surface should open (or stay open) now.
	OnConnected(s Snapshot)
	// OnState fires on every lifecycle state change, including the
	// connectivity sub-status flips on an in-progress call.
	OnState(s Snapshot)
	// OnStats delivers a periodic diagnostics snapshot while a call is
	// active. Strictly presentational.
	OnStats(s Snapshot, stats gateway.Stats)
	// OnTerminated fires exactly once per session, after the terminal
	// state is recorded and before the session leaves the registry.
	OnTerminated(s Snapshot)
}

// NopObserver implements Observer with no-ops. Embed it when a surface
// only cares about a couple of callbacks.
type NopObserver struct{}

func (NopObserver) OnIncoming(Snapshot, IncomingActions)  {}
func (NopObserver) OnOutgoing(Snapshot, OutgoingActions)  {}
func (NopObserver) OnConnected(Snapshot)                  {}
func (NopObserver) OnState(Snapshot)                      {}
func (NopObserver) OnStats(Snapshot, gateway.Stats)       {}
func (NopObserver) OnTerminated(Snapshot)                 {}

// IndicatorState is a per-contact roster marker for an in-progress call.
type IndicatorState string

const (
	IndicatorIncoming IndicatorState = "incoming"
	IndicatorOutgoing IndicatorState = "outgoing"
	IndicatorActive   IndicatorState = "active"
	IndicatorNone     IndicatorState = ""
)

// Indicator is the roster-indicator contract: the roster shows at most one
// call marker per (account, peer), cleared with IndicatorNone.
type Indicator interface {
	SetCallIndicator(accountID, peer string, state IndicatorState)
}

// Notifier is the OS-notification contract. NotifyMissed replaces any
// outstanding ringing notification for the same participant — the two are
// never shown simultaneously.
type Notifier interface {
	NotifyIncoming(accountID, peer string, media []MediaKind)
	NotifyMissed(accountID, peer string)
	Dismiss(accountID, peer string)
}

// ScreenFunc is an optional hook evaluated before an incoming call rings.
// It returns one of VerdictRing, VerdictReject or VerdictSilence; anything
// else rings normally.
type ScreenFunc func(accountID, peer string, media []MediaKind) Verdict

// Verdict is a call-screening decision.
type Verdict string

const (
	VerdictRing    Verdict = ""
	VerdictReject  Verdict = "reject"
	VerdictSilence Verdict = "silence"
)
