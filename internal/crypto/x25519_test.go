package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

func TestComputeSharedSecret_Commutative(t *testing.T) {
	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ab, err := crypto.ComputeSharedSecret(alice.Private[:], bob.Public[:])
	require.NoError(t, err)
	ba, err := crypto.ComputeSharedSecret(bob.Private[:], alice.Public[:])
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.NotEqual(t, domain.SharedSecret{}, ab)
}

func TestComputeSharedSecret_RejectsWrongSizes(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = crypto.ComputeSharedSecret(kp.Private[:31], kp.Public[:])
	assert.ErrorIs(t, err, domain.ErrInvalidKey)

	_, err = crypto.ComputeSharedSecret(kp.Private[:], append(kp.Public[:], 0))
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestComputeSharedSecret_RejectsLowOrderPoint(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	var zero domain.X25519Public
	_, err = crypto.DH(kp.Private, zero)
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestPublicKey_MatchesGenerated(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pub, err := crypto.PublicKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, pub)
}

func TestFingerprint_ShortAndStable(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	fp := crypto.Fingerprint(kp.Public[:])
	assert.Len(t, fp.String(), 20)
	assert.Equal(t, fp, crypto.Fingerprint(kp.Public[:]))
}
