package collie

import (
	"errors"

	"github.com/collie-robotics/collie/cdiscover"
	"github.com/collie-robotics/collie/crouter"
	"github.com/collie-robotics/collie/csignal"
)

// Classified connection errors. Establishment failures reject
// Connect with one of these; post-establishment failures surface
// through state transitions instead.
var (
	// ErrNetworkUnreachable indicates the robot's signaling
	// endpoint could not be reached at all.
	ErrNetworkUnreachable = errors.New("robot network unreachable")

	// ErrDiscoveryTimeout indicates multicast discovery found no
	// robot with the requested serial within the scan window.
	ErrDiscoveryTimeout = cdiscover.ErrNotFound

	// ErrSignalingRejected indicates the robot or relay answered
	// the exchange but refused the offer.
	ErrSignalingRejected = csignal.ErrRejected

	// ErrValidationFailed is an authentication failure: the data
	// channel opened but the robot never accepted the validation
	// answer. It is never retried automatically; the caller should
	// re-check key material before reconnecting.
	ErrValidationFailed = errors.New("channel validation failed")

	// ErrChannelTimeout indicates the data channel did not open
	// within the establishment window.
	ErrChannelTimeout = errors.New("data channel did not open in time")

	// ErrRequestTimeout rejects exactly the request whose window
	// elapsed; the session itself is unaffected.
	ErrRequestTimeout = crouter.ErrRequestTimeout

	// ErrSessionClosed is returned from operations on a session
	// that has been disconnected.
	ErrSessionClosed = errors.New("session closed")
)
