// Package crypto exposes the minimal primitives used by murmur.
//
// Contents
//
//   - X25519 key generation and Diffie-Hellman (GenerateKeyPair,
//     ComputeSharedSecret, DH)
//   - ChaCha20-Poly1305 sealed boxes laid out as nonce || ciphertext || tag
//     (Encrypt, Decrypt, EncryptWithAD, DecryptWithAD)
//   - argon2id password stretching split by HKDF into identity and storage
//     keys (DeriveKeySet)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//   - Handle and token generation (GenerateHandle, RandomToken)
//
// # Notes
//
// Key-size and low-order point problems surface as domain.ErrInvalidKey; any
// AEAD open failure surfaces as domain.ErrAuthenticationFailure and never
// yields partial plaintext. Callers should treat returned secrets as
// sensitive and rely on Wipe when practical to reduce lifetime in memory.
package crypto
