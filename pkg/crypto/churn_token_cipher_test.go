package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCipherSealOpen(t *testing.T) {
	c, err := NewTokenCipher([]byte("not-32-bytes"))
	require.NoError(t, err)

	sealed, err := c.Seal("pat-na1-secret")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "pat-na1-secret")

	again, err := c.Seal("pat-na1-secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce is random")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "pat-na1-secret", plain)
}

func TestTokenCipherPlaintextPassthrough(t *testing.T) {
	c, err := NewTokenCipher([]byte("k"))
	require.NoError(t, err)

	plain, err := c.Open("legacy-token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-token", plain)

	empty, err := c.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	var disabled *TokenCipher
	v, err := disabled.Seal("x")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestTokenCipherWrongKey(t *testing.T) {
	a, _ := NewTokenCipher([]byte("key-a"))
	b, _ := NewTokenCipher([]byte("key-b"))

	sealed, err := a.Seal("token")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = b.Open(sealedPrefix + "!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = NewTokenCipher(nil)
	assert.Error(t, err)
}
