package session_test

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/services/identity"
	"murmur/internal/services/session"
	"murmur/internal/store"
)

type fixedKeys struct {
	mu     sync.Mutex
	pair   domain.KeyPair
	locked bool
	calls  int
}

func (f *fixedKeys) KeyPair() (domain.KeyPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.locked {
		return domain.KeyPair{}, domain.ErrNotAuthenticated
	}
	return f.pair, nil
}

func newKeys(t *testing.T) *fixedKeys {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &fixedKeys{pair: kp}
}

func TestStatic_SealOpenBetweenPeers(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	pa, pb := session.NewStatic(alice), session.NewStatic(bob)
	ad := []byte("AB3K9|ZQ7M2")

	box, err := pa.Seal("ZQ7M2", bob.pair.Public, []byte("hello"), ad)
	require.NoError(t, err)

	pt, err := pb.Open("AB3K9", alice.pair.Public, box, ad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = pb.Open("AB3K9", alice.pair.Public, box, []byte("AB3K9|XXXXX"))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailure)
}

func TestStatic_CachesPerPeer(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	p := session.NewStatic(alice)

	for i := 0; i < 3; i++ {
		_, err := p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, alice.calls)

	p.Forget("ZQ7M2")
	_, err := p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, alice.calls)
}

func TestStatic_ResetRequiresUnlock(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	p := session.NewStatic(alice)
	_, err := p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
	require.NoError(t, err)

	alice.locked = true
	p.Reset()

	_, err = p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestStatic_UnknownKey(t *testing.T) {
	p := session.NewStatic(newKeys(t))
	_, err := p.Open("ZQ7M2", domain.X25519Public{}, []byte("whatever-long-enough-box-bytes"), nil)
	assert.ErrorIs(t, err, domain.ErrUnknownSender)
}

func TestStatic_ConcurrentUse(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	pa, pb := session.NewStatic(alice), session.NewStatic(bob)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			box, err := pa.Seal("ZQ7M2", bob.pair.Public, []byte("hi"), nil)
			if !assert.NoError(t, err) {
				return
			}
			_, err = pb.Open("AB3K9", alice.pair.Public, box, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestStatic_ResumeAfterReset(t *testing.T) {
	alice, bob := newKeys(t), newKeys(t)
	p := session.NewStatic(alice)

	p.Reset()
	_, err := p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Zero(t, alice.calls, "a reset provider must not touch the key source")

	p.Resume()
	_, err = p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
	assert.NoError(t, err)
}

// Seals racing a Lock must not leave a usable cache entry behind once Lock
// returns, even when other lock hooks run after the reset.
func TestStatic_SealRacingLock(t *testing.T) {
	m := identity.New(
		store.NewIdentityFileStore(t.TempDir()),
		identity.WithKDFParams(domain.KDFParams{Name: "argon2id", Time: 1, Memory: 1024, Threads: 1}),
		identity.WithLogger(quietLogger()),
	)
	_, err := m.CreateIdentity("hunter22", "Alice")
	require.NoError(t, err)

	p := session.NewStatic(m)
	m.OnLock(p.Reset)
	m.OnLock(func() { time.Sleep(200 * time.Microsecond) })
	m.OnUnlock(p.Resume)

	bob := newKeys(t)
	for round := 0; round < 20; round++ {
		if round > 0 {
			_, err := m.Unlock("hunter22")
			require.NoError(t, err)
		}
		_, err := p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						_, _ = p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
					}
				}
			}()
		}
		m.Lock()
		_, err = p.Seal("ZQ7M2", bob.pair.Public, []byte("x"), nil)
		close(stop)
		wg.Wait()
		require.ErrorIs(t, err, domain.ErrNotAuthenticated, "round %d", round)
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
