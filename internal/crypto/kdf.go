package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"murmur/internal/domain"
	"murmur/internal/util/memzero"
)

// SaltBytes is the length of the random KDF salt stored with the identity.
const SaltBytes = 16

const (
	hkdfInfoIdentity = "murmur/identity-key/v1"
	hkdfInfoStorage  = "murmur/storage-key/v1"
)

// DefaultKDFParams are the argon2id costs used for new identities.
func DefaultKDFParams() domain.KDFParams {
	return domain.KDFParams{Name: "argon2id", Time: 1, Memory: 64 * 1024, Threads: 4}
}

// NewSalt returns SaltBytes of randomness.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKeySet stretches password with argon2id into a master key and
// expands it with HKDF-SHA256 into the identity and storage keys. The same
// (password, salt, params) always yields the same set.
func DeriveKeySet(password string, salt []byte, p domain.KDFParams) (domain.DerivedKeySet, error) {
	if len(salt) != SaltBytes {
		return domain.DerivedKeySet{}, errors.New("invalid salt size")
	}
	if p.Name != "argon2id" || p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return domain.DerivedKeySet{}, errors.New("unsupported kdf parameters")
	}
	master := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, KeyBytes)
	identityKey, err := hkdfExpand(master, hkdfInfoIdentity)
	if err != nil {
		return domain.DerivedKeySet{}, err
	}
	storageKey, err := hkdfExpand(master, hkdfInfoStorage)
	if err != nil {
		return domain.DerivedKeySet{}, err
	}
	return domain.DerivedKeySet{
		MasterKey:   master,
		IdentityKey: identityKey,
		StorageKey:  storageKey,
		Salt:        append([]byte(nil), salt...),
	}, nil
}

// WipeKeySet zeroes every key in ks.
func WipeKeySet(ks *domain.DerivedKeySet) {
	memzero.ZeroAll(ks.MasterKey, ks.IdentityKey, ks.StorageKey)
	ks.MasterKey, ks.IdentityKey, ks.StorageKey = nil, nil, nil
}

func hkdfExpand(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, KeyBytes)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveMessageKey turns a raw DH output into the AEAD key used for
// envelopes between the two peers.
func DeriveMessageKey(shared domain.SharedSecret) ([]byte, error) {
	return hkdfExpand(shared[:], "murmur/envelope-key/v1")
}
