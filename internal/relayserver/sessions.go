package relayserver

import (
	"sync"
	"time"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

type sessionEntry struct {
	handle  domain.Handle
	expires time.Time
}

// sessions holds issued tokens in memory; a restart logs everyone out.
type sessions struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	byToken map[string]sessionEntry
}

func newSessions(ttl time.Duration, now func() time.Time) *sessions {
	return &sessions{ttl: ttl, now: now, byToken: make(map[string]sessionEntry)}
}

// Issue mints a token for h.
func (s *sessions) Issue(h domain.Handle) (domain.Session, error) {
	token, err := crypto.RandomToken(32)
	if err != nil {
		return domain.Session{}, err
	}
	exp := s.now().Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byToken[token] = sessionEntry{handle: h, expires: exp}
	s.sweep()
	return domain.Session{Handle: h, Token: token, ExpiresAt: exp}, nil
}

// Validate resolves a token to its handle.
func (s *sessions) Validate(token string) (domain.Handle, error) {
	if token == "" {
		return "", domain.ErrNotAuthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byToken[token]
	if !ok {
		return "", domain.ErrNotAuthenticated
	}
	if !s.now().Before(e.expires) {
		delete(s.byToken, token)
		return "", domain.ErrNotAuthenticated
	}
	return e.handle, nil
}

// sweep drops expired tokens; called with mu held.
func (s *sessions) sweep() {
	now := s.now()
	for t, e := range s.byToken {
		if !now.Before(e.expires) {
			delete(s.byToken, t)
		}
	}
}
