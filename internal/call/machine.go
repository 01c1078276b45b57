package call

// The transition table is deliberately small: the only multi-step path is
// ringing → establishing → in-progress, and any non-terminal state may jump
// straight to a terminal one. Terminal states are absorbing.
//
// Applying an event whose computed next state equals the current state is a
// no-op, which makes duplicate gateway signals harmless.

// next computes the successor state for a non-terminate event. It returns
// the current state unchanged (no error) when the event is a valid no-op,
// and ErrTerminalSession when the session is already terminal.
func next(cur State, ev Event) (State, error) {
	if cur.IsTerminal() {
		return cur, ErrTerminalSession
	}

	switch ev.Kind {
	case EventAcceptRequested, EventPeerAccepted:
		if cur == StateRinging {
			return StateEstablishing, nil
		}
		return cur, nil

	case EventMediaConnected:
		if cur == StateEstablishing || cur == StateRinging {
			return StateInProgress, nil
		}
		return cur, nil

	case EventMediaDisconnected:
		// Connectivity sub-status only; the registry flips MediaDown.
		return cur, nil

	case EventClaimedElsewhere:
		if cur == StateRinging {
			return StateOtherDevice, nil
		}
		return cur, nil
	}

	// EventTerminate is handled by the registry, which knows the session's
	// direction and whether it ever connected.
	return cur, nil
}

// Outcome maps a termination reason to its terminal state and user-facing
// label. The mapping is total: a reason the gateway invents tomorrow lands
// in StateFailed with a generic label instead of an undefined UI state.
// everConnected distinguishes a ring timeout from a mid-call timeout.
func Outcome(r Reason, dir Direction, everConnected bool) (State, string) {
	switch r {
	case ReasonSuccess:
		return StateEnded, "Call ended"
	case ReasonCancel:
		return StateEnded, "Call canceled"
	case ReasonDecline:
		return StateDeclined, "Call declined"
	case ReasonBusy:
		return StateDeclined, "Busy"
	case ReasonTimeout:
		if everConnected {
			return StateFailed, "Connection lost"
		}
		if dir == DirectionOutgoing {
			// An unanswered outgoing call is not a missed call for the
			// local user — the peer missed it.
			return StateEnded, "No Answer"
		}
		return StateMissed, "Missed call"
	case ReasonConnectivityError:
		return StateFailed, "Connection failed"
	case ReasonAcceptFailed:
		return StateFailed, "Could not accept call"
	case ReasonUnsupported:
		return StateFailed, "Peer's client does not support calls"
	case ReasonAnsweredElsewhere:
		return StateAnsweredElsewhere, "Answered on another device"
	case ReasonRejectedElsewhere:
		return StateRejectedElsewhere, "Declined on another device"
	}
	return StateFailed, "Call failed"
}
