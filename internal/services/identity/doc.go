// Package identity manages creation, unlocking and locking of the local identity.
//
// It enforces the password policy, derives the identity and storage keys with
// argon2id and HKDF, generates the long-term X25519 key pair and persists it
// sealed through the domain.IdentityStore. Private and derived keys only live
// in memory between unlock and lock.
package identity
