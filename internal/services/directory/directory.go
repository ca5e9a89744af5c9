package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// Registry is the part of the relay API the directory needs.
type Registry interface {
	LookupUser(ctx context.Context, handle domain.Handle) (domain.PeerRecord, error)
	SearchUsers(ctx context.Context, query string) ([]domain.PeerRecord, error)
}

// Service caches peer records.
type Service struct {
	registry Registry
	records  domain.RecordStore
	log      *logrus.Entry

	mu    sync.RWMutex
	peers map[domain.Handle]domain.PeerRecord
}

// New returns a directory over registry. records may be nil, in which case
// nothing is persisted.
func New(registry Registry, records domain.RecordStore, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		registry: registry,
		records:  records,
		log:      logger.WithField("component", "directory"),
		peers:    make(map[domain.Handle]domain.PeerRecord),
	}
}

// Peer returns the record for handle from the cache, the record store or
// the registry, in that order.
func (s *Service) Peer(ctx context.Context, handle domain.Handle) (domain.PeerRecord, error) {
	h := domain.NormalizeHandle(handle.String())
	if !h.Valid() {
		return domain.PeerRecord{}, domain.ErrInvalidHandle
	}
	if p, ok := s.Known(h); ok {
		return p, nil
	}

	p, err := s.registry.LookupUser(ctx, h)
	if err != nil {
		return domain.PeerRecord{}, err
	}
	if p.Handle != h || p.PublicKey.IsZero() {
		return domain.PeerRecord{}, fmt.Errorf("%w: registry returned a bad record for %s", domain.ErrRegistryLookupFailed, h)
	}
	if err := s.Remember(p); err != nil {
		s.log.WithError(err).WithField("handle", h).Warn("persist contact")
	}
	return p, nil
}

// Known returns a record without asking the registry.
func (s *Service) Known(handle domain.Handle) (domain.PeerRecord, bool) {
	s.mu.RLock()
	p, ok := s.peers[handle]
	s.mu.RUnlock()
	if ok {
		return p, true
	}
	if s.records == nil {
		return domain.PeerRecord{}, false
	}
	p, ok, err := s.records.GetContact(handle)
	if err != nil {
		s.log.WithError(err).WithField("handle", handle).Debug("contact lookup")
		return domain.PeerRecord{}, false
	}
	if !ok || p.PublicKey.IsZero() {
		return domain.PeerRecord{}, false
	}
	s.mu.Lock()
	s.peers[handle] = p
	s.mu.Unlock()
	return p, true
}

// Search asks the registry. Results are not cached.
func (s *Service) Search(ctx context.Context, query string) ([]domain.PeerRecord, error) {
	return s.registry.SearchUsers(ctx, query)
}

// Remember caches p and writes it to the record store.
func (s *Service) Remember(p domain.PeerRecord) error {
	if !p.Handle.Valid() {
		return domain.ErrInvalidHandle
	}
	if p.PublicKey.IsZero() {
		return fmt.Errorf("%w: no public key for %s", domain.ErrInvalidKey, p.Handle)
	}
	s.mu.Lock()
	if old, ok := s.peers[p.Handle]; ok && old.PublicKey != p.PublicKey {
		s.log.WithFields(logrus.Fields{
			"handle": p.Handle,
			"old":    crypto.Fingerprint(old.PublicKey.Slice()),
			"new":    crypto.Fingerprint(p.PublicKey.Slice()),
		}).Warn("peer key changed")
	}
	s.peers[p.Handle] = p
	s.mu.Unlock()

	if s.records == nil {
		return nil
	}
	return s.records.SaveContact(p)
}

// SetPresence updates a cached record. Unknown handles are ignored.
func (s *Service) SetPresence(handle domain.Handle, online bool, at time.Time) {
	s.mu.Lock()
	p, ok := s.peers[handle]
	if ok {
		p.Online = online
		if !at.IsZero() {
			p.LastSeen = at
		}
		s.peers[handle] = p
	}
	s.mu.Unlock()
	if !ok || s.records == nil {
		return
	}
	if err := s.records.SaveContact(p); err != nil {
		s.log.WithError(err).WithField("handle", handle).Debug("persist presence")
	}
}

// Reset drops every cached record. The record store is untouched.
func (s *Service) Reset() {
	s.mu.Lock()
	s.peers = make(map[domain.Handle]domain.PeerRecord)
	s.mu.Unlock()
}

var _ domain.Directory = (*Service)(nil)
