package crypto_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

func testKey(b byte) []byte { return bytes.Repeat([]byte{b}, crypto.KeyBytes) }

func TestEncrypt_RoundTrip(t *testing.T) {
	key := testKey(7)
	box, err := crypto.Encrypt([]byte("hello"), key)
	require.NoError(t, err)
	assert.Len(t, box, crypto.NonceBytes+len("hello")+crypto.TagBytes)

	pt, err := crypto.Decrypt(box, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	key := testKey(1)
	box, err := crypto.Encrypt(nil, key)
	require.NoError(t, err)

	pt, err := crypto.Decrypt(box, key)
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestEncrypt_FreshNonces(t *testing.T) {
	key := testKey(2)
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		box, err := crypto.Encrypt([]byte("same"), key)
		require.NoError(t, err)
		nonce := string(box[:crypto.NonceBytes])
		require.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestDecrypt_AnyFlippedByteFails(t *testing.T) {
	key := testKey(3)
	box, err := crypto.Encrypt([]byte("attack at dawn"), key)
	require.NoError(t, err)

	for i := range box {
		tampered := append([]byte(nil), box...)
		tampered[i] ^= 0x01
		pt, err := crypto.Decrypt(tampered, key)
		require.ErrorIs(t, err, domain.ErrAuthenticationFailure, "byte %d", i)
		require.Nil(t, pt)
	}
}

func TestDecrypt_WrongKeyAndTruncation(t *testing.T) {
	box, err := crypto.Encrypt([]byte("secret"), testKey(4))
	require.NoError(t, err)

	_, err = crypto.Decrypt(box, testKey(5))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailure)

	_, err = crypto.Decrypt(box[:len(box)-1], testKey(4))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailure)

	_, err = crypto.Decrypt(box[:crypto.NonceBytes], testKey(4))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailure)
}

func TestDecryptWithAD_BindsAssociatedData(t *testing.T) {
	key := testKey(6)
	box, err := crypto.EncryptWithAD([]byte("hi"), key, []byte("AB3K9|ZQ7M2"))
	require.NoError(t, err)

	_, err = crypto.DecryptWithAD(box, key, []byte("AB3K9|XXXXX"))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailure)

	pt, err := crypto.DecryptWithAD(box, key, []byte("AB3K9|ZQ7M2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), pt)
}

func TestEncrypt_RejectsBadKeySize(t *testing.T) {
	_, err := crypto.Encrypt([]byte("x"), make([]byte, 16))
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}
