package csec

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
)

// Context holds the handshake key material for one connection.
// A Context is created when the connection starts and is never
// reused across connections: the session key is ephemeral.
//
// The peer key is attached once fetched; every other method is
// safe for use from a single negotiation goroutine.
type Context struct {
	// sessionKey is the ephemeral AES-256 key, kept in the
	// 32-character lowercase-hex form the firmware expects.
	sessionKey []byte

	peerKey *rsa.PublicKey
}

// NewContext returns a Context with a freshly generated session key.
func NewContext() (*Context, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	// The firmware derives its AES-256 key from the 32 hex
	// characters, not the 16 raw bytes.
	key := make([]byte, 32)
	hex.Encode(key, raw)

	return &Context{sessionKey: key}, nil
}

// ErrNoPeerKey is returned from methods requiring the peer's
// public key before AttachPeerKey has been called.
var ErrNoPeerKey = errors.New("peer public key material not attached")

// AttachPeerKey parses the base64-encoded peer public key material
// and retains it for the life of the context.
func (c *Context) AttachPeerKey(encoded string) error {
	pub, err := ParsePublicKey(encoded)
	if err != nil {
		return err
	}
	c.peerKey = pub
	return nil
}

// HasPeerKey reports whether peer key material has been attached.
func (c *Context) HasPeerKey() bool {
	return c.peerKey != nil
}

// WrapSessionKey returns the session key encrypted under the
// peer's public key, for embedding in the offer.
func (c *Context) WrapSessionKey() (string, error) {
	if c.peerKey == nil {
		return "", ErrNoPeerKey
	}
	return rsaEncrypt(c.sessionKey, c.peerKey)
}

// Encrypt seals a signaling payload under the session key.
func (c *Context) Encrypt(plaintext []byte) (string, error) {
	return aesEncryptECB(plaintext, c.sessionKey)
}

// Decrypt opens a signaling payload sealed under the session key.
func (c *Context) Decrypt(ciphertext string) ([]byte, error) {
	return aesDecryptECB(ciphertext, c.sessionKey)
}
