package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"murmur/internal/domain"
	"murmur/internal/util/memzero"
)

// GenerateKeyPair returns a fresh Curve25519 key pair.
// The private key is clamped per RFC 7748.
func GenerateKeyPair() (domain.KeyPair, error) {
	var kp domain.KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return domain.KeyPair{}, err
	}
	clamp(&kp.Private)
	pub, err := curve25519.X25519(kp.Private.Slice(), curve25519.Basepoint)
	if err != nil {
		return domain.KeyPair{}, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PublicKey recomputes the public half of priv.
func PublicKey(priv domain.X25519Private) (domain.X25519Public, error) {
	var pub domain.X25519Public
	pb, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	copy(pub[:], pb)
	return pub, nil
}

// ComputeSharedSecret computes X25519 Diffie-Hellman between our private key
// and a peer's public key. Both sides obtain the same 32 bytes.
//
// Keys of the wrong length and low-order peer points are rejected with
// domain.ErrInvalidKey.
func ComputeSharedSecret(ownPrivate, peerPublic []byte) (domain.SharedSecret, error) {
	var out domain.SharedSecret
	if len(ownPrivate) != domain.KeySize {
		return out, fmt.Errorf("%w: private key is %d bytes", domain.ErrInvalidKey, len(ownPrivate))
	}
	if len(peerPublic) != domain.KeySize {
		return out, fmt.Errorf("%w: public key is %d bytes", domain.ErrInvalidKey, len(peerPublic))
	}
	secret, err := curve25519.X25519(ownPrivate, peerPublic)
	if err != nil {
		// x/crypto refuses an all-zero output, which is what low-order points produce.
		return out, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	copy(out[:], secret)
	memzero.Zero(secret)
	return out, nil
}

// DH is ComputeSharedSecret over the fixed-size domain key types.
func DH(priv domain.X25519Private, pub domain.X25519Public) (domain.SharedSecret, error) {
	return ComputeSharedSecret(priv[:], pub[:])
}

func clamp(k *domain.X25519Private) {
	kb := k[:]
	kb[0] &= 248
	kb[31] &= 127
	kb[31] |= 64
}
