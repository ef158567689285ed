package collie_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	collie "github.com/collie-robotics/collie"
	"github.com/collie-robotics/collie/internal/ctest"
)

func TestMethodKind_strings(t *testing.T) {
	t.Parallel()

	require.Equal(t, "LocalAP", collie.MethodLocalAP.String())
	require.Equal(t, "LocalSTA", collie.MethodLocalSTA.String())
	require.Equal(t, "Remote", collie.MethodRemote.String())
}

func TestNewSession_invalidMethodPanics(t *testing.T) {
	t.Parallel()

	for name, m := range map[string]collie.Method{
		"LocalSTA without address or serial": {
			Kind: collie.MethodLocalSTA,
		},
		"Remote without serial": {
			Kind: collie.MethodRemote, Username: "u", Password: "p",
		},
		"Remote without credentials": {
			Kind: collie.MethodRemote, Serial: "B42D2000XXXXXXXX",
		},
	} {
		m := m
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.Panics(t, func() {
				collie.NewSession(collie.SessionConfig{
					Log:    ctest.NewLogger(t),
					Method: m,
				})
			})
		})
	}
}
