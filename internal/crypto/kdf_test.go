package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// cheap parameters keep the tests fast; production uses DefaultKDFParams.
var testKDF = domain.KDFParams{Name: "argon2id", Time: 1, Memory: 1024, Threads: 1}

func TestDeriveKeySet_Deterministic(t *testing.T) {
	salt, err := crypto.NewSalt()
	require.NoError(t, err)

	a, err := crypto.DeriveKeySet("correct horse", salt, testKDF)
	require.NoError(t, err)
	b, err := crypto.DeriveKeySet("correct horse", salt, testKDF)
	require.NoError(t, err)

	assert.Equal(t, a.MasterKey, b.MasterKey)
	assert.Equal(t, a.StorageKey, b.StorageKey)
	assert.Equal(t, a.IdentityKey, b.IdentityKey)
	assert.NotEqual(t, a.IdentityKey, a.StorageKey)
	assert.Len(t, a.StorageKey, crypto.KeyBytes)
}

func TestDeriveKeySet_PasswordAndSaltMatter(t *testing.T) {
	salt1, err := crypto.NewSalt()
	require.NoError(t, err)
	salt2, err := crypto.NewSalt()
	require.NoError(t, err)

	base, err := crypto.DeriveKeySet("password-one", salt1, testKDF)
	require.NoError(t, err)
	otherPass, err := crypto.DeriveKeySet("password-two", salt1, testKDF)
	require.NoError(t, err)
	otherSalt, err := crypto.DeriveKeySet("password-one", salt2, testKDF)
	require.NoError(t, err)

	assert.NotEqual(t, base.StorageKey, otherPass.StorageKey)
	assert.NotEqual(t, base.StorageKey, otherSalt.StorageKey)
}

func TestDeriveKeySet_RejectsBadInput(t *testing.T) {
	_, err := crypto.DeriveKeySet("pw", []byte("short"), testKDF)
	assert.Error(t, err)

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	_, err = crypto.DeriveKeySet("pw", salt, domain.KDFParams{Name: "scrypt", Time: 1, Memory: 1, Threads: 1})
	assert.Error(t, err)
}

func TestWipeKeySet(t *testing.T) {
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	ks, err := crypto.DeriveKeySet("pw", salt, testKDF)
	require.NoError(t, err)

	storage := ks.StorageKey
	crypto.WipeKeySet(&ks)
	assert.Nil(t, ks.StorageKey)
	assert.Equal(t, make([]byte, len(storage)), storage)
}
