package csec

import (
	"crypto/aes"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// aesEncryptECB encrypts data under key with AES-ECB and PKCS#5
// padding, returning the base64 encoding of the ciphertext.
//
// ECB is what the firmware speaks; there is no stdlib ECB mode,
// so the block cipher is applied block by block here.
func aesEncryptECB(data, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize AES cipher: %w", err)
	}

	padded := padPKCS5(data, block.BlockSize())
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += block.BlockSize() {
		block.Encrypt(out[i:i+block.BlockSize()], padded[i:i+block.BlockSize()])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// aesDecryptECB reverses aesEncryptECB.
func aesDecryptECB(encoded string, key []byte) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES cipher: %w", err)
	}

	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ct))
	}

	out := make([]byte, len(ct))
	for i := 0; i < len(ct); i += block.BlockSize() {
		block.Decrypt(out[i:i+block.BlockSize()], ct[i:i+block.BlockSize()])
	}

	return unpadPKCS5(out, block.BlockSize())
}

func padPKCS5(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS5(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	return data[:len(data)-n], nil
}

// rsaEncrypt encrypts data under the peer's public key with
// PKCS#1 v1.5 padding, chunking inputs larger than one RSA block,
// and returns the base64 encoding of the concatenated blocks.
func rsaEncrypt(data []byte, pub *rsa.PublicKey) (string, error) {
	// PKCS#1 v1.5 padding costs 11 bytes per block.
	maxChunk := pub.Size() - 11

	var out []byte
	for len(data) > 0 {
		chunk := data
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}

		ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, chunk)
		if err != nil {
			return "", fmt.Errorf("RSA encryption failed: %w", err)
		}
		out = append(out, ct...)
		data = data[len(chunk):]
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// ParsePublicKey loads an RSA public key from the base64-encoded
// DER form the firmware and the vendor API both serve.
func ParsePublicKey(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("public key material is not valid base64: %w", err)
	}

	// Some firmware revisions wrap the DER in PEM armor.
	if block, _ := pem.Decode(der); block != nil {
		der = block.Bytes
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", key)
	}
	return pub, nil
}

// validationPrefix is prepended to the challenge before hashing.
const validationPrefix = "UnitreeGo2_"

// ValidationDigest answers a validation challenge from the robot.
func ValidationDigest(challenge string) string {
	sum := md5.Sum([]byte(validationPrefix + challenge))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// MD5Hex returns the lowercase hex MD5 of s; the vendor identity
// service expects passwords and nonces in this form.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
