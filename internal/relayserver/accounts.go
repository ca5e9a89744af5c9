package relayserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

const (
	accountPrefix   = "acct/"
	handleAttempts  = 32
	secretBytes     = 32
	maxDisplayName  = 64
	maxSearchResult = 50
)

// account is the registry record. Only a hash of the secret is kept.
type account struct {
	Handle      domain.Handle       `json:"handle"`
	PublicKey   domain.X25519Public `json:"public_key"`
	DisplayName string              `json:"display_name"`
	SecretHash  []byte              `json:"secret_hash"`
	CreatedAt   time.Time           `json:"created_at"`
	LastSeen    time.Time           `json:"last_seen"`
}

func (a account) peer(online bool) domain.PeerRecord {
	return domain.PeerRecord{
		Handle:      a.Handle,
		PublicKey:   a.PublicKey,
		DisplayName: a.DisplayName,
		LastSeen:    a.LastSeen,
		Online:      online,
	}
}

// accounts is the handle registry. Handle uniqueness is enforced here.
type accounts struct {
	kv  *kvStore
	now func() time.Time
	mu  sync.Mutex // serialises read-modify-write of LastSeen
}

func newAccounts(kv *kvStore, now func() time.Time) *accounts {
	return &accounts{kv: kv, now: now}
}

// Register creates an account. A proposed handle must be well formed and
// free; otherwise a random free handle is assigned.
func (a *accounts) Register(reg domain.Registration) (domain.RegistrationResult, error) {
	if reg.PublicKey.IsZero() {
		return domain.RegistrationResult{}, fmt.Errorf("%w: public key required", domain.ErrMalformedPayload)
	}
	name := strings.TrimSpace(reg.DisplayName)
	if len(name) > maxDisplayName {
		return domain.RegistrationResult{}, fmt.Errorf("%w: display name too long", domain.ErrMalformedPayload)
	}
	secret, err := crypto.RandomToken(secretBytes)
	if err != nil {
		return domain.RegistrationResult{}, err
	}
	now := a.now()
	acct := account{
		PublicKey:   reg.PublicKey,
		DisplayName: name,
		SecretHash:  hashSecret(secret),
		CreatedAt:   now,
		LastSeen:    now,
	}

	if reg.Handle != "" {
		h := domain.NormalizeHandle(reg.Handle.String())
		if !h.Valid() {
			return domain.RegistrationResult{}, domain.ErrInvalidHandle
		}
		acct.Handle = h
		ok, err := a.create(acct)
		if err != nil {
			return domain.RegistrationResult{}, err
		}
		if !ok {
			return domain.RegistrationResult{}, domain.ErrHandleTaken
		}
		return domain.RegistrationResult{Handle: h, Secret: secret}, nil
	}

	for i := 0; i < handleAttempts; i++ {
		h, err := crypto.GenerateHandle()
		if err != nil {
			return domain.RegistrationResult{}, err
		}
		acct.Handle = h
		ok, err := a.create(acct)
		if err != nil {
			return domain.RegistrationResult{}, err
		}
		if ok {
			return domain.RegistrationResult{Handle: h, Secret: secret}, nil
		}
	}
	return domain.RegistrationResult{}, errors.New("no free handle found")
}

func (a *accounts) create(acct account) (bool, error) {
	b, err := json.Marshal(acct)
	if err != nil {
		return false, err
	}
	return a.kv.SetIfAbsent([]byte(accountPrefix+acct.Handle.String()), b)
}

// Verify checks credentials. Unknown handles and wrong secrets fail the
// same way.
func (a *accounts) Verify(creds domain.Credentials) (domain.Handle, error) {
	h := domain.NormalizeHandle(creds.Handle.String())
	acct, err := a.Lookup(h)
	if err != nil {
		// Hash anyway so both failure paths cost the same.
		hashSecret(creds.Secret)
		return "", domain.ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare(acct.SecretHash, hashSecret(creds.Secret)) != 1 {
		return "", domain.ErrInvalidCredentials
	}
	return acct.Handle, nil
}

// Lookup returns the account for h or domain.ErrRegistryLookupFailed.
func (a *accounts) Lookup(h domain.Handle) (account, error) {
	if !h.Valid() {
		return account{}, domain.ErrRegistryLookupFailed
	}
	b, err := a.kv.Get([]byte(accountPrefix + h.String()))
	if errors.Is(err, errKeyNotFound) {
		return account{}, domain.ErrRegistryLookupFailed
	}
	if err != nil {
		return account{}, err
	}
	var acct account
	if err := json.Unmarshal(b, &acct); err != nil {
		return account{}, err
	}
	return acct, nil
}

// Search matches a case-insensitive prefix of the handle or a substring of
// the display name.
func (a *accounts) Search(query string) ([]account, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	var out []account
	var scanErr error
	err := a.kv.Scan([]byte(accountPrefix), func(_, value []byte) bool {
		var acct account
		if err := json.Unmarshal(value, &acct); err != nil {
			scanErr = err
			return false
		}
		if strings.HasPrefix(strings.ToLower(acct.Handle.String()), q) ||
			strings.Contains(strings.ToLower(acct.DisplayName), q) {
			out = append(out, acct)
		}
		return len(out) < maxSearchResult
	})
	if err == nil {
		err = scanErr
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, err
}

// Touch records activity for h.
func (a *accounts) Touch(h domain.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, err := a.Lookup(h)
	if err != nil {
		return err
	}
	acct.LastSeen = a.now()
	b, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return a.kv.Set([]byte(accountPrefix+h.String()), b)
}

func hashSecret(secret string) []byte {
	sum := sha256.Sum256([]byte("murmur-account-secret|" + secret))
	return sum[:]
}
