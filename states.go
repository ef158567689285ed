package collie

import "fmt"

// State is one phase of a session's connection lifecycle.
//
// States advance monotonically from Idle to Ready during
// establishment; Degraded, Failed, and Closed are reachable from any
// established state. Ready is only reachable through Validating.
type State uint8

const (
	// StateIdle is a session that has not started connecting.
	StateIdle State = iota

	// StateResolving is address resolution: discovery for LocalSTA
	// without an address, relay credential exchange for Remote.
	StateResolving

	// StateOffering is the session-description exchange.
	StateOffering

	// StateIceGathering is local connectivity-candidate collection.
	StateIceGathering

	// StateIceChecking is candidate-pair connectivity probing.
	StateIceChecking

	// StatePeerConnected means the transport is up but the data
	// channel is not yet trusted.
	StatePeerConnected

	// StateValidating means the data channel is open and the
	// security handshake's challenge round is in flight.
	StateValidating

	// StateReady is a validated, usable session.
	StateReady

	// StateDegraded means the liveness window elapsed with no
	// traffic. The session still accepts sends and recovers to
	// Ready on any inbound message.
	StateDegraded

	// StateFailed means the session was torn down by prolonged
	// silence or a transport fault. Reconnection may follow.
	StateFailed

	// StateClosed is a deliberate, final teardown.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateResolving:
		return "Resolving"
	case StateOffering:
		return "Offering"
	case StateIceGathering:
		return "IceGathering"
	case StateIceChecking:
		return "IceChecking"
	case StatePeerConnected:
		return "PeerConnected"
	case StateValidating:
		return "Validating"
	case StateReady:
		return "Ready"
	case StateDegraded:
		return "Degraded"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		panic(fmt.Errorf("BUG: String called on invalid State %d", s))
	}
}

// Established reports whether the state is at or past PeerConnected
// without being terminal.
func (s State) Established() bool {
	switch s {
	case StatePeerConnected, StateValidating, StateReady, StateDegraded:
		return true
	default:
		return false
	}
}
