// Package csec holds the key material for one connection's
// application-level handshake with the Go2 firmware.
//
// The firmware's scheme is fixed: it publishes an RSA public key,
// the client generates an ephemeral AES-256 session key and sends it
// RSA-wrapped (PKCS#1 v1.5), and both sides then exchange payloads
// under AES-ECB with PKCS#5 padding, base64-encoded. Channel trust is
// gated separately by a validation challenge whose answer is the
// base64 form of md5("UnitreeGo2_" + challenge).
package csec
