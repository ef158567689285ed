package collie_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	collie "github.com/collie-robotics/collie"
)

func TestState_strings(t *testing.T) {
	t.Parallel()

	for st, want := range map[collie.State]string{
		collie.StateIdle:          "Idle",
		collie.StateResolving:     "Resolving",
		collie.StateOffering:      "Offering",
		collie.StateIceGathering:  "IceGathering",
		collie.StateIceChecking:   "IceChecking",
		collie.StatePeerConnected: "PeerConnected",
		collie.StateValidating:    "Validating",
		collie.StateReady:         "Ready",
		collie.StateDegraded:      "Degraded",
		collie.StateFailed:        "Failed",
		collie.StateClosed:        "Closed",
	} {
		require.Equal(t, want, st.String())
	}

	require.Panics(t, func() {
		_ = collie.State(200).String()
	})
}

func TestState_established(t *testing.T) {
	t.Parallel()

	established := map[collie.State]bool{
		collie.StatePeerConnected: true,
		collie.StateValidating:    true,
		collie.StateReady:         true,
		collie.StateDegraded:      true,
	}

	for st := collie.StateIdle; st <= collie.StateClosed; st++ {
		require.Equal(t, established[st], st.Established(), st.String())
	}
}
