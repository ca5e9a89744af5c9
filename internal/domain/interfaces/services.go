package interfaces

import (
	"context"
	"time"

	domaintypes "murmur/internal/domain/types"
)

// IdentityManager owns the long-term key pair and the storage key.
type IdentityManager interface {
	CreateIdentity(password, displayName string) (domaintypes.Identity, error)
	Unlock(password string) (domaintypes.Identity, error)
	Lock()
	Unlocked() bool
	Identity() (domaintypes.Identity, error)
	KeyPair() (domaintypes.KeyPair, error)
	StorageKey() ([]byte, error)
	// OnLock registers fn to run synchronously inside Lock, before keys are wiped.
	OnLock(fn func())
	// OnUnlock registers fn to run once fresh keys are installed.
	OnUnlock(fn func())
}

// SessionKeyProvider seals and opens envelopes for one peer.
type SessionKeyProvider interface {
	Seal(peer domaintypes.Handle, peerKey domaintypes.X25519Public, plaintext, ad []byte) ([]byte, error)
	Open(peer domaintypes.Handle, peerKey domaintypes.X25519Public, ciphertext, ad []byte) ([]byte, error)
	Forget(peer domaintypes.Handle)
	Reset()
}

// Directory resolves handles to peer records.
type Directory interface {
	// Peer returns a cached record or asks the registry.
	Peer(ctx context.Context, handle domaintypes.Handle) (domaintypes.PeerRecord, error)
	// Known only consults the cache.
	Known(handle domaintypes.Handle) (domaintypes.PeerRecord, bool)
	Search(ctx context.Context, query string) ([]domaintypes.PeerRecord, error)
	Remember(peer domaintypes.PeerRecord) error
	SetPresence(handle domaintypes.Handle, online bool, at time.Time)
	Reset()
}

// Inbox is the single decrypt, dedup and surface boundary for inbound envelopes.
type Inbox interface {
	// Accept reports surfaced=false for envelopes already seen.
	Accept(ctx context.Context, env domaintypes.Envelope, via string) (surfaced bool, err error)
	Seen(id domaintypes.MessageID) bool
	Reset()
}
