package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestCodec_RoundTrip(t *testing.T) {
	c, err := NewCodec(testSecret)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "hunter2", strings.Repeat("p@ss", 64)} {
		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		got, err := c.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestCodec_RandomNonce(t *testing.T) {
	c, err := NewCodec("a passphrase that is long enough")
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCodec_WrongKey(t *testing.T) {
	a, err := NewCodec(testSecret)
	require.NoError(t, err)
	b, err := NewCodec("another-secret-value-entirely")
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestCodec_BadInput(t *testing.T) {
	c, err := NewCodec(testSecret)
	require.NoError(t, err)

	_, err = c.Decrypt("zz")
	assert.Error(t, err)
	_, err = c.Decrypt("abcd")
	assert.ErrorContains(t, err, "too short")

	_, err = NewCodec("short")
	assert.Error(t, err)
}
