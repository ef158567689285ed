package csignal_test

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"testing"
)

// The helpers below implement the robot's (and vendor API's) side of
// the signaling envelope: AES-ECB under the hex session key, with the
// key itself arriving RSA-wrapped. They panic rather than fail the
// test directly because they mostly run on HTTP handler goroutines.

func generateSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

// mustPublicKeyMaterial encodes a public key the way both the robot
// firmware and the vendor API serve theirs.
func mustPublicKeyMaterial(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

// mustRSAUnwrap recovers the session key from its wrapped form.
func mustRSAUnwrap(priv *rsa.PrivateKey, encoded string) []byte {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		panic(err)
	}

	size := priv.PublicKey.Size()
	if len(ct) == 0 || len(ct)%size != 0 {
		panic(fmt.Errorf("wrapped key length %d is not a multiple of %d", len(ct), size))
	}

	var out []byte
	for i := 0; i < len(ct); i += size {
		plain, err := rsa.DecryptPKCS1v15(nil, priv, ct[i:i+size])
		if err != nil {
			panic(err)
		}
		out = append(out, plain...)
	}
	return out
}

func mustAESSeal(plain, key []byte) string {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}

	bs := block.BlockSize()
	n := bs - len(plain)%bs
	padded := make([]byte, len(plain)+n)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(n)
	}

	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		block.Encrypt(out[i:i+bs], padded[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out)
}

func mustAESOpen(encoded string, key []byte) []byte {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		panic(err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}

	bs := block.BlockSize()
	if len(ct) == 0 || len(ct)%bs != 0 {
		panic(fmt.Errorf("ciphertext length %d is not a multiple of %d", len(ct), bs))
	}

	out := make([]byte, len(ct))
	for i := 0; i < len(ct); i += bs {
		block.Decrypt(out[i:i+bs], ct[i:i+bs])
	}

	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs || pad > len(out) {
		panic(fmt.Errorf("invalid padding %d", pad))
	}
	return out[:len(out)-pad]
}
