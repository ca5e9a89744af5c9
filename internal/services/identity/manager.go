package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

const (
	// minPasswordLength defines the minimum number of characters required for a password.
	minPasswordLength = 8

	recordVersion = 1

	adKeyPair     = "murmur/identity/key-pair/v1"
	adDisplayName = "murmur/identity/display-name/v1"
)

// Manager owns the identity key pair and the keys derived from the password.
//
// Lifecycle:
//   - CreateIdentity or Unlock derive keys and hold them in memory.
//   - Lock runs the registered hooks, then wipes every secret.
//   - Key accessors fail with domain.ErrNotAuthenticated while locked.
type Manager struct {
	store  domain.IdentityStore
	log    *logrus.Logger
	params domain.KDFParams

	lockMu sync.Mutex // serialises Lock so hooks never interleave

	mu       sync.RWMutex
	unlocked bool
	keys     domain.DerivedKeySet
	pair     domain.KeyPair
	ident    domain.Identity

	hooksMu     sync.Mutex
	hooks       []func()
	unlockHooks []func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithKDFParams overrides the argon2id costs used for new identities.
func WithKDFParams(p domain.KDFParams) Option {
	return func(m *Manager) { m.params = p }
}

// WithLogger sets the logger; nil keeps the default.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a locked Manager backed by store.
func New(store domain.IdentityStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		log:    logrus.New(),
		params: crypto.DefaultKDFParams(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Exists reports whether an identity record is on disk.
func (m *Manager) Exists() (bool, error) {
	_, ok, err := m.store.LoadIdentityRecord()
	return ok, err
}

// CreateIdentity generates a new key pair, seals it under keys derived from
// password and leaves the manager unlocked.
func (m *Manager) CreateIdentity(password, displayName string) (domain.Identity, error) {
	if len(password) < minPasswordLength {
		return domain.Identity{}, fmt.Errorf("%w: must be at least %d characters",
			domain.ErrWeakPassword, minPasswordLength)
	}
	if _, ok, err := m.store.LoadIdentityRecord(); err != nil {
		return domain.Identity{}, err
	} else if ok {
		return domain.Identity{}, domain.ErrDuplicateIdentity
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return domain.Identity{}, err
	}
	keys, err := crypto.DeriveKeySet(password, salt, m.params)
	if err != nil {
		return domain.Identity{}, err
	}
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		crypto.WipeKeySet(&keys)
		return domain.Identity{}, err
	}

	rec, err := seal(keys, pair, displayName, m.params)
	if err != nil {
		crypto.WipeKeySet(&keys)
		return domain.Identity{}, err
	}
	if err := m.store.SaveIdentityRecord(rec); err != nil {
		crypto.WipeKeySet(&keys)
		return domain.Identity{}, err
	}

	id := domain.Identity{
		DisplayName: displayName,
		PublicKey:   pair.Public,
		Fingerprint: crypto.Fingerprint(pair.Public.Slice()),
	}
	m.install(keys, pair, id)
	m.runUnlockHooks()
	m.log.WithFields(logrus.Fields{
		"component":   "identity",
		"fingerprint": id.Fingerprint,
	}).Info("identity created")
	return id, nil
}

// Unlock derives keys from password and opens the stored key pair. A wrong
// password fails with domain.ErrInvalidCredentials.
func (m *Manager) Unlock(password string) (domain.Identity, error) {
	rec, ok, err := m.store.LoadIdentityRecord()
	if err != nil {
		return domain.Identity{}, err
	}
	if !ok || len(rec.Salt) == 0 {
		return domain.Identity{}, domain.ErrNoIdentity
	}
	if rec.Version > recordVersion {
		return domain.Identity{}, fmt.Errorf("unsupported identity record version %d", rec.Version)
	}

	keys, err := crypto.DeriveKeySet(password, rec.Salt, rec.KDF)
	if err != nil {
		return domain.Identity{}, err
	}
	pair, name, err := open(keys, rec)
	if err != nil {
		crypto.WipeKeySet(&keys)
		m.log.WithField("component", "identity").Warn("unlock failed")
		return domain.Identity{}, err
	}

	id := domain.Identity{
		DisplayName: name,
		PublicKey:   pair.Public,
		Fingerprint: crypto.Fingerprint(pair.Public.Slice()),
	}
	m.install(keys, pair, id)
	m.runUnlockHooks()
	m.log.WithFields(logrus.Fields{
		"component":   "identity",
		"fingerprint": id.Fingerprint,
	}).Info("identity unlocked")
	return id, nil
}

// OnLock registers fn to run synchronously inside Lock, in registration
// order, before key material is wiped.
func (m *Manager) OnLock(fn func()) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hooksMu.Unlock()
}

// OnUnlock registers fn to run after CreateIdentity or Unlock has installed
// fresh keys.
func (m *Manager) OnUnlock(fn func()) {
	m.hooksMu.Lock()
	m.unlockHooks = append(m.unlockHooks, fn)
	m.hooksMu.Unlock()
}

// Lock runs the lock hooks and discards every secret. It is idempotent.
func (m *Manager) Lock() {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	if !m.Unlocked() {
		return
	}

	m.hooksMu.Lock()
	hooks := append([]func(){}, m.hooks...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h()
	}

	m.mu.Lock()
	crypto.WipeKeySet(&m.keys)
	crypto.Wipe(m.pair.Private[:])
	m.pair = domain.KeyPair{}
	m.ident = domain.Identity{}
	m.unlocked = false
	m.mu.Unlock()

	m.log.WithField("component", "identity").Info("identity locked")
}

// Unlocked reports whether keys are currently held.
func (m *Manager) Unlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlocked
}

// Identity returns the public view of the unlocked identity.
func (m *Manager) Identity() (domain.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return domain.Identity{}, domain.ErrNotAuthenticated
	}
	return m.ident, nil
}

// KeyPair returns a copy of the identity key pair.
func (m *Manager) KeyPair() (domain.KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return domain.KeyPair{}, domain.ErrNotAuthenticated
	}
	return m.pair, nil
}

// StorageKey returns a copy of the key used to seal local records.
func (m *Manager) StorageKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return nil, domain.ErrNotAuthenticated
	}
	return append([]byte(nil), m.keys.StorageKey...), nil
}

func (m *Manager) install(keys domain.DerivedKeySet, pair domain.KeyPair, id domain.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unlocked {
		crypto.WipeKeySet(&m.keys)
		crypto.Wipe(m.pair.Private[:])
	}
	m.keys, m.pair, m.ident, m.unlocked = keys, pair, id, true
}

func (m *Manager) runUnlockHooks() {
	m.hooksMu.Lock()
	hooks := append([]func(){}, m.unlockHooks...)
	m.hooksMu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func seal(
	keys domain.DerivedKeySet,
	pair domain.KeyPair,
	displayName string,
	params domain.KDFParams,
) (domain.IdentityRecord, error) {
	raw, err := json.Marshal(pair)
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	defer crypto.Wipe(raw)

	sealedPair, err := crypto.EncryptWithAD(raw, keys.StorageKey, []byte(adKeyPair))
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	sealedName, err := crypto.EncryptWithAD([]byte(displayName), keys.StorageKey, []byte(adDisplayName))
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	return domain.IdentityRecord{
		Version:           recordVersion,
		KDF:               params,
		Salt:              keys.Salt,
		PublicKey:         pair.Public,
		SealedKeyPair:     sealedPair,
		SealedDisplayName: sealedName,
	}, nil
}

// open unseals the record. The sealed key pair doubles as the password
// verifier: any AEAD failure means the password was wrong.
func open(keys domain.DerivedKeySet, rec domain.IdentityRecord) (domain.KeyPair, string, error) {
	raw, err := crypto.DecryptWithAD(rec.SealedKeyPair, keys.StorageKey, []byte(adKeyPair))
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationFailure) {
			return domain.KeyPair{}, "", domain.ErrInvalidCredentials
		}
		return domain.KeyPair{}, "", err
	}
	defer crypto.Wipe(raw)

	var pair domain.KeyPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return domain.KeyPair{}, "", fmt.Errorf("identity record: %w", err)
	}
	if pair.Public != rec.PublicKey {
		return domain.KeyPair{}, "", errors.New("identity record: public key mismatch")
	}
	name, err := crypto.DecryptWithAD(rec.SealedDisplayName, keys.StorageKey, []byte(adDisplayName))
	if err != nil {
		return domain.KeyPair{}, "", domain.ErrInvalidCredentials
	}
	return pair, string(name), nil
}

// Compile-time assertion that Manager implements domain.IdentityManager.
var _ domain.IdentityManager = (*Manager)(nil)
