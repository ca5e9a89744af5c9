package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// Peer is a local party with its own key pair.
type Peer struct {
	Handle domain.Handle
	Keys   domain.KeyPair
}

// NewPeer generates a key pair for h.
func NewPeer(t testing.TB, h domain.Handle) Peer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return Peer{Handle: h, Keys: kp}
}

// KeyPair implements session.KeySource.
func (p Peer) KeyPair() (domain.KeyPair, error) { return p.Keys, nil }

// Record is the registry view of p.
func (p Peer) Record() domain.PeerRecord {
	return domain.PeerRecord{Handle: p.Handle, PublicKey: p.Keys.Public, DisplayName: p.Handle.String()}
}

// Registry is an in-memory directory.Registry that counts lookups.
type Registry struct {
	mu      sync.Mutex
	peers   map[domain.Handle]domain.PeerRecord
	lookups int
	err     error
}

// NewRegistry holds the given records.
func NewRegistry(peers ...domain.PeerRecord) *Registry {
	r := &Registry{peers: make(map[domain.Handle]domain.PeerRecord)}
	for _, p := range peers {
		r.peers[p.Handle] = p
	}
	return r
}

func (r *Registry) LookupUser(_ context.Context, h domain.Handle) (domain.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	if r.err != nil {
		return domain.PeerRecord{}, r.err
	}
	p, ok := r.peers[h]
	if !ok {
		return domain.PeerRecord{}, domain.ErrRegistryLookupFailed
	}
	return p, nil
}

func (r *Registry) SearchUsers(_ context.Context, query string) ([]domain.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PeerRecord
	for _, p := range r.peers {
		if p.Handle.String() == query || p.DisplayName == query {
			out = append(out, p)
		}
	}
	return out, nil
}

// Fail makes every LookupUser return err until Fail(nil).
func (r *Registry) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Lookups returns how many times LookupUser was called.
func (r *Registry) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}
