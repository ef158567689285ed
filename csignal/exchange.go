package csignal

import "context"

// Offer is the local session description sent to the robot.
type Offer struct {
	ID    string `json:"id"`
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
	Token string `json:"token"`

	// TurnServer echoes the relay credentials back to the robot on
	// relayed connections so both peers use the same relay.
	TurnServer *RelayAccount `json:"turnserver,omitempty"`
}

// Answer is the robot's session description.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Exchanger trades one offer for one answer. Implementations own
// their transport; callers only see session descriptions.
type Exchanger interface {
	Exchange(ctx context.Context, offer Offer) (Answer, error)
}
