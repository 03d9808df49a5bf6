package services

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("process-secret")
	require.NoError(t, err)

	plaintext := "gateway-api-key-12345"
	envelope, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	decrypted, err := c.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestCipherEnvelopeFormat(t *testing.T) {
	c, err := NewCipher("process-secret")
	require.NoError(t, err)

	envelope, err := c.Encrypt("payload")
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	require.Len(t, parts, 3)
	assert.Equal(t, "v1", parts[0])

	iv, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Len(t, iv, 12)

	_, err = base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
}

func TestCipherRandomIV(t *testing.T) {
	c, err := NewCipher("process-secret")
	require.NoError(t, err)

	first, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := c.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCipher("process-secret")
	require.NoError(t, err)

	envelope, err := c.Encrypt("payload")
	require.NoError(t, err)

	parts := strings.Split(envelope, ":")
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	sealed[0] ^= 0xFF
	parts[2] = base64.StdEncoding.EncodeToString(sealed)

	_, err = c.Decrypt(strings.Join(parts, ":"))
	assert.Error(t, err)
}

func TestCipherRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher("secret-one")
	require.NoError(t, err)
	c2, err := NewCipher("secret-two")
	require.NoError(t, err)

	envelope, err := c1.Encrypt("payload")
	require.NoError(t, err)

	_, err = c2.Decrypt(envelope)
	assert.Error(t, err)
}

func TestCipherRejectsMalformedEnvelopes(t *testing.T) {
	c, err := NewCipher("process-secret")
	require.NoError(t, err)

	for _, envelope := range []string{
		"",
		"v1:onlytwo",
		"v2:YWJj:YWJj",
		"v1:not-base64!:YWJj",
		"v1:YWJj:YWJj", // IV wrong length
	} {
		_, err := c.Decrypt(envelope)
		assert.Error(t, err, "envelope %q", envelope)
	}
}

func TestNewCipherRequiresSecret(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}
