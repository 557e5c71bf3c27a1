package storage

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestContentCipherRoundTrip(t *testing.T) {
	c, err := newContentCipher(testKey)
	require.NoError(t, err)
	require.True(t, c.enabled())

	enc, err := c.encrypt("Besoin d'un conseil")
	require.NoError(t, err)
	assert.NotContains(t, enc, "conseil")

	dec, err := c.decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "Besoin d'un conseil", dec)
}

func TestContentCipherNonceIsRandom(t *testing.T) {
	c, err := newContentCipher(testKey)
	require.NoError(t, err)

	a, err := c.encrypt("same")
	require.NoError(t, err)
	b, err := c.encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestContentCipherDisabled(t *testing.T) {
	c, err := newContentCipher(nil)
	require.NoError(t, err)
	assert.False(t, c.enabled())

	enc, err := c.encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", enc)

	var nilCipher *contentCipher
	out, err := nilCipher.decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestContentCipherInvalidKey(t *testing.T) {
	_, err := newContentCipher([]byte("short"))
	assert.Error(t, err)
}

func TestContentCipherRejectsTampering(t *testing.T) {
	c, err := newContentCipher(testKey)
	require.NoError(t, err)

	_, err = c.decrypt("not-base64!!")
	assert.Error(t, err)

	_, err = c.decrypt("AAAA")
	assert.Error(t, err, "shorter than nonce")

	enc, err := c.encrypt("payload")
	require.NoError(t, err)
	tampered := strings.ToUpper(enc[:len(enc)-4]) + enc[len(enc)-4:]
	if tampered != enc {
		_, err = c.decrypt(tampered)
		assert.Error(t, err)
	}
}

func TestProperty_EncryptionRoundTrip(t *testing.T) {
	c, err := newContentCipher(testKey)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt(encrypt(x)) == x", prop.ForAll(
		func(s string) bool {
			enc, err := c.encrypt(s)
			if err != nil {
				return false
			}
			dec, err := c.decrypt(enc)
			return err == nil && dec == s
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
