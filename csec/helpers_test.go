package csec_test

import (
	"crypto/aes"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
)

// decryptECB opens AES-ECB ciphertext the way the robot firmware
// does, so tests can verify what a context seals.
func decryptECB(t *testing.T, encoded string, key []byte) []byte {
	t.Helper()

	ct, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	require.Zero(t, len(ct)%block.BlockSize())

	out := make([]byte, len(ct))
	for i := 0; i < len(ct); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], ct[i:i+block.BlockSize()])
	}

	pad := int(out[len(out)-1])
	require.Positive(t, pad)
	require.LessOrEqual(t, pad, block.BlockSize())
	return out[:len(out)-pad]
}

func pemEncodePublicKey(t *testing.T, der []byte) []byte {
	t.Helper()

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	})
}
