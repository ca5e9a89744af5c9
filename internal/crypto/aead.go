package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"murmur/internal/domain"
)

const (
	// NonceBytes is the size of the random nonce prefixed to every sealed box.
	NonceBytes = chacha20poly1305.NonceSize
	// TagBytes is the size of the Poly1305 tag appended to every sealed box.
	TagBytes = chacha20poly1305.Overhead
	// KeyBytes is the AEAD key size.
	KeyBytes = chacha20poly1305.KeySize
)

// Encrypt seals plaintext under key and returns nonce || ciphertext || tag.
// A fresh random nonce is drawn on every call.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	return EncryptWithAD(plaintext, key, nil)
}

// Decrypt opens a box produced by Encrypt.
func Decrypt(data, key []byte) ([]byte, error) {
	return DecryptWithAD(data, key, nil)
}

// EncryptWithAD is Encrypt with associated data bound into the tag.
func EncryptWithAD(plaintext, key, ad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceBytes, NonceBytes+len(plaintext)+TagBytes)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceBytes], plaintext, ad), nil
}

// DecryptWithAD opens a box produced by EncryptWithAD with the same ad.
// Any mismatch, wrong key or truncation fails with
// domain.ErrAuthenticationFailure and returns no plaintext.
func DecryptWithAD(data, key, ad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(data) < NonceBytes+TagBytes {
		return nil, fmt.Errorf("%w: box is %d bytes", domain.ErrAuthenticationFailure, len(data))
	}
	pt, err := aead.Open(nil, data[:NonceBytes], data[NonceBytes:], ad)
	if err != nil {
		return nil, domain.ErrAuthenticationFailure
	}
	return pt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyBytes {
		return nil, fmt.Errorf("%w: aead key is %d bytes", domain.ErrInvalidKey, len(key))
	}
	return chacha20poly1305.New(key)
}
