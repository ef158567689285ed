package csec_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/csec"
	"github.com/collie-robotics/collie/internal/ctest"
)

func TestValidationDigest_knownVector(t *testing.T) {
	t.Parallel()

	// base64(md5("UnitreeGo2_abc123")), confirmed against the
	// firmware's own digest routine.
	require.Equal(t, "fmaQPze4jCLyc7+yYMIILw==", csec.ValidationDigest("abc123"))
}

func TestMD5Hex_knownVector(t *testing.T) {
	t.Parallel()

	require.Equal(
		t,
		"482c811da5d5b4bc6d497ffa98491e38",
		csec.MD5Hex("password123"),
	)
}

func TestContext_encryptRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := csec.NewContext()
	require.NoError(t, err)

	for _, sz := range []int{1, 15, 16, 17, 4096} {
		plain := ctest.RandomDataForTest(t, sz)

		sealed, err := c.Encrypt(plain)
		require.NoError(t, err)
		require.NotEqual(t, string(plain), sealed)

		out, err := c.Decrypt(sealed)
		require.NoError(t, err)
		require.Equal(t, plain, out, "size %d", sz)
	}
}

func TestContext_decryptRejectsGarbage(t *testing.T) {
	t.Parallel()

	c, err := csec.NewContext()
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!!")
	require.Error(t, err)

	// Valid base64 but not a block multiple.
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestContext_wrapSessionKey(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	material := base64.StdEncoding.EncodeToString(der)

	c, err := csec.NewContext()
	require.NoError(t, err)

	_, err = c.WrapSessionKey()
	require.ErrorIs(t, err, csec.ErrNoPeerKey)

	require.NoError(t, c.AttachPeerKey(material))
	require.True(t, c.HasPeerKey())

	wrapped, err := c.WrapSessionKey()
	require.NoError(t, err)

	ct, err := base64.StdEncoding.DecodeString(wrapped)
	require.NoError(t, err)

	key, err := rsa.DecryptPKCS1v15(nil, priv, ct)
	require.NoError(t, err)

	// The session key travels as 32 hex characters; anything the
	// robot unwraps must decrypt what the context seals.
	require.Len(t, key, 32)

	sealed, err := c.Encrypt([]byte("ping"))
	require.NoError(t, err)
	out := decryptECB(t, sealed, key)
	require.Equal(t, []byte("ping"), out)
}

func TestParsePublicKey_pemArmor(t *testing.T) {
	t.Parallel()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	// Raw DER form.
	_, err = csec.ParsePublicKey(base64.StdEncoding.EncodeToString(der))
	require.NoError(t, err)

	// PEM-armored form.
	pemBytes := pemEncodePublicKey(t, der)
	_, err = csec.ParsePublicKey(base64.StdEncoding.EncodeToString(pemBytes))
	require.NoError(t, err)

	_, err = csec.ParsePublicKey("@@@")
	require.Error(t, err)
}
