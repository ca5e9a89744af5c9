package session

import (
	"sync"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// KeySource supplies the local identity key pair.
type KeySource interface {
	KeyPair() (domain.KeyPair, error)
}

type cached struct {
	peerKey domain.X25519Public
	key     []byte
}

// Static seals envelopes with an AEAD key derived from the static DH secret
// between the local identity and the peer. There is no ratcheting: the same
// key is used for every message with a peer.
type Static struct {
	keys KeySource

	// mu is held shared by every Seal/Open and exclusively by
	// Forget/Reset/Resume. locked is guarded by mu.
	mu     sync.RWMutex
	locked bool

	cacheMu sync.Mutex
	cache   map[domain.Handle]cached
}

// NewStatic returns a provider drawing the local key pair from keys.
func NewStatic(keys KeySource) *Static {
	return &Static{keys: keys, cache: make(map[domain.Handle]cached)}
}

// Seal encrypts plaintext for peer with ad bound into the tag.
func (s *Static) Seal(peer domain.Handle, peerKey domain.X25519Public, plaintext, ad []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, err := s.keyFor(peer, peerKey)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptWithAD(plaintext, key, ad)
}

// Open decrypts a box received from peer.
func (s *Static) Open(peer domain.Handle, peerKey domain.X25519Public, ciphertext, ad []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, err := s.keyFor(peer, peerKey)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptWithAD(ciphertext, key, ad)
}

// Forget drops the cached secret for peer.
func (s *Static) Forget(peer domain.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if c, ok := s.cache[peer]; ok {
		crypto.Wipe(c.key)
		delete(s.cache, peer)
	}
}

// Reset wipes every cached secret and refuses further Seal and Open calls
// until Resume. It holds the write lock, so once it returns no Seal or Open
// started before it is still running.
func (s *Static) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for h, c := range s.cache {
		crypto.Wipe(c.key)
		delete(s.cache, h)
	}
}

// Resume allows Seal and Open again after a Reset. It is registered to run
// once the identity is unlocked.
func (s *Static) Resume() {
	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()
}

// keyFor is called with the read lock held. The returned key stays valid
// until the caller releases it.
func (s *Static) keyFor(peer domain.Handle, peerKey domain.X25519Public) ([]byte, error) {
	if s.locked {
		return nil, domain.ErrNotAuthenticated
	}
	if peerKey.IsZero() {
		return nil, domain.ErrUnknownSender
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if c, ok := s.cache[peer]; ok {
		if c.peerKey == peerKey {
			return c.key, nil
		}
		// The peer's key changed. Another reader may still hold the old
		// key, so it is dropped rather than wiped.
		delete(s.cache, peer)
	}

	pair, err := s.keys.KeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.DH(pair.Private, peerKey)
	crypto.Wipe(pair.Private[:])
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveMessageKey(secret)
	crypto.Wipe(secret[:])
	if err != nil {
		return nil, err
	}
	s.cache[peer] = cached{peerKey: peerKey, key: key}
	return key, nil
}

// Compile-time assertion that Static implements domain.SessionKeyProvider.
var _ domain.SessionKeyProvider = (*Static)(nil)
